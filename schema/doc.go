// Package schema validates JSON message bodies before they reach a handler.
//
// A MessageValidator holds one Schema per message type. The type is read
// from the message-type header, or from the header set with WithTypeHeader.
// Messages whose type has no schema pass unless strict mode is on.
//
// Schemas are written by hand, loaded from configuration, or derived from a
// Go struct with Generate:
//
//	validator := schema.NewMessageValidator(schema.WithStrictMode(true))
//	err := validator.RegisterSchema("OrderPlaced", schema.MustGenerate("OrderPlaced", "1", OrderPlaced{}))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, err := mmatesqs.NewClient(ctx, "orders",
//	    mmatesqs.WithMessageValidator(validator),
//	)
//
// A body that breaks its schema fails with a *ValidationFailure listing every
// violation. The failure is not retryable.
//
// Supported property checks: type, required, minLength/maxLength,
// minimum/maximum, enum, pattern, format (email, uri, uuid, date, date-time),
// nested objects and array items, and named rules. The built-in rules are
// "non-empty" and "positive"; RegisterRule adds more.
package schema
