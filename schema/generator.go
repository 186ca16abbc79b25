package schema

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

var (
	timeType  = reflect.TypeOf(time.Time{})
	bytesType = reflect.TypeOf([]byte(nil))
)

// Generate derives a schema from the JSON shape of a Go struct. Fields
// without omitempty are required. A description tag is copied.
func Generate(name, version string, v any) (*Schema, error) {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct || t == timeType {
		return nil, fmt.Errorf("cannot generate a schema from %T: not a struct", v)
	}

	g := &generator{seen: make(map[reflect.Type]bool)}
	props, required := g.structFields(t)
	return &Schema{
		Name:       name,
		Version:    version,
		Properties: props,
		Required:   required,
	}, nil
}

// MustGenerate is like Generate but panics on error
func MustGenerate(name, version string, v any) *Schema {
	s, err := Generate(name, version, v)
	if err != nil {
		panic(err)
	}
	return s
}

type generator struct {
	// struct types on the current path, to stop on recursive types
	seen map[reflect.Type]bool
}

func (g *generator) property(t reflect.Type) *PropertyDef {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &PropertyDef{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &PropertyDef{Type: "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		zero := 0.0
		return &PropertyDef{Type: "integer", Minimum: &zero}
	case reflect.Float32, reflect.Float64:
		return &PropertyDef{Type: "number"}
	case reflect.Bool:
		return &PropertyDef{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		if t == bytesType {
			// encoding/json writes []byte as base64
			return &PropertyDef{Type: "string"}
		}
		return &PropertyDef{Type: "array", Items: g.property(t.Elem())}
	case reflect.Map:
		return &PropertyDef{Type: "object"}
	case reflect.Struct:
		if t == timeType {
			return &PropertyDef{Type: "string", Format: "date-time"}
		}
		if g.seen[t] {
			return &PropertyDef{Type: "object"}
		}
		g.seen[t] = true
		defer delete(g.seen, t)

		props, required := g.structFields(t)
		return &PropertyDef{Type: "object", Properties: props, Required: required}
	default:
		// interfaces and anything else accept any JSON value
		return &PropertyDef{}
	}
}

func (g *generator) structFields(t reflect.Type) (map[string]*PropertyDef, []string) {
	props := make(map[string]*PropertyDef)
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		fieldName, opts, _ := strings.Cut(jsonTag, ",")
		omitempty := strings.Contains(","+opts+",", ",omitempty,")

		// untagged embedded structs are flattened like encoding/json does
		if field.Anonymous && fieldName == "" {
			et := field.Type
			if et.Kind() == reflect.Ptr {
				et = et.Elem()
			}
			if et.Kind() == reflect.Struct {
				embedded, embeddedRequired := g.structFields(et)
				for name, prop := range embedded {
					if _, exists := props[name]; !exists {
						props[name] = prop
					}
				}
				required = append(required, embeddedRequired...)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if fieldName == "" {
			fieldName = field.Name
		}

		prop := g.property(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			prop.Description = desc
		}
		props[fieldName] = prop

		if !omitempty {
			required = append(required, fieldName)
		}
	}
	return props, required
}
