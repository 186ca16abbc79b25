package schema

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-sqs/contracts"
)

type audit struct {
	CreatedBy string `json:"createdBy"`
}

type orderLine struct {
	SKU      string  `json:"sku"`
	Quantity uint    `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
}

type category struct {
	Name   string    `json:"name"`
	Parent *category `json:"parent,omitempty"`
}

type orderPlaced struct {
	audit
	OrderID  string            `json:"orderId" description:"order identifier"`
	PlacedAt time.Time         `json:"placedAt"`
	Lines    []orderLine       `json:"lines"`
	Tags     map[string]string `json:"tags,omitempty"`
	Category *category         `json:"category,omitempty"`
	Payload  []byte            `json:"payload,omitempty"`
	Extra    any               `json:"extra,omitempty"`
	Note     string
	Internal string `json:"-"`
	secret   string
}

func TestGenerate(t *testing.T) {
	s, err := Generate("OrderPlaced", "2", orderPlaced{})
	require.NoError(t, err)

	assert.Equal(t, "OrderPlaced", s.Name)
	assert.Equal(t, "2", s.Version)
	assert.ElementsMatch(t, []string{"createdBy", "orderId", "placedAt", "lines", "Note"}, s.Required)
	assert.NotContains(t, s.Properties, "Internal")
	assert.NotContains(t, s.Properties, "secret")

	assert.Equal(t, "order identifier", s.Properties["orderId"].Description)
	assert.Equal(t, &PropertyDef{Type: "string", Format: "date-time"}, s.Properties["placedAt"])
	assert.Equal(t, "string", s.Properties["payload"].Type)
	assert.Equal(t, "object", s.Properties["tags"].Type)
	assert.Equal(t, "", s.Properties["extra"].Type)

	lines := s.Properties["lines"]
	require.Equal(t, "array", lines.Type)
	require.Equal(t, "object", lines.Items.Type)
	assert.Equal(t, []string{"sku", "quantity"}, lines.Items.Required)
	assert.Equal(t, 0.0, *lines.Items.Properties["quantity"].Minimum)

	parent := s.Properties["category"].Properties["parent"]
	assert.Equal(t, &PropertyDef{Type: "object"}, parent)

	_, err = Generate("Bad", "1", "a string")
	assert.Error(t, err)
	_, err = Generate("Bad", "1", time.Now())
	assert.Error(t, err)
	assert.Panics(t, func() { MustGenerate("Bad", "1", 42) })
}

func TestGeneratedSchemaValidatesEncodedStructs(t *testing.T) {
	v := NewMessageValidator(WithStrictMode(true))
	require.NoError(t, v.RegisterSchema("OrderPlaced", MustGenerate("OrderPlaced", "1", &orderPlaced{})))

	body, err := json.Marshal(orderPlaced{
		audit:    audit{CreatedBy: "api"},
		OrderID:  "o-1",
		PlacedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Lines:    []orderLine{{SKU: "ABC-1", Quantity: 2, Price: 3.5}},
		Category: &category{Name: "tools", Parent: &category{Name: "hardware"}},
		Note:     "leave at door",
	})
	require.NoError(t, err)

	msg := contracts.NewTransportMessage(map[string]string{contracts.HeaderMessageType: "OrderPlaced"}, body)
	assert.NoError(t, v.Validate(context.Background(), msg))

	msg = contracts.NewTransportMessage(map[string]string{contracts.HeaderMessageType: "OrderPlaced"},
		[]byte(`{"createdBy": "api", "orderId": 7, "placedAt": "yesterday", "lines": [], "Note": ""}`))
	assert.Equal(t, []string{
		"orderId:TYPE_MISMATCH",
		"placedAt:FORMAT_VIOLATION",
	}, codes(v.Validate(context.Background(), msg)))
}
