package contracts

// WireEnvelope is the JSON document carried as an SQS message body.
// Body holds the base64 encoding of the message body bytes.
type WireEnvelope struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}
