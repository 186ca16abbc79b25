package sqs

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/mmate-sqs/contracts"
)

// Serialize encodes headers and body into the JSON wire envelope.
// The body is base64 encoded so arbitrary bytes survive the text-only message body.
func Serialize(headers map[string]string, body []byte) (string, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	envelope := contracts.WireEnvelope{
		Headers: headers,
		Body:    base64.StdEncoding.EncodeToString(body),
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// Deserialize decodes a JSON wire envelope. Missing headers decode to an
// empty map and a missing body to an empty slice. Malformed input yields a
// *FormatError.
func Deserialize(text string) (map[string]string, []byte, error) {
	var envelope *contracts.WireEnvelope
	if err := json.Unmarshal([]byte(text), &envelope); err != nil {
		return nil, nil, &FormatError{Err: err, Timestamp: time.Now()}
	}
	if envelope == nil {
		return nil, nil, &FormatError{Err: errors.New("envelope is null"), Timestamp: time.Now()}
	}

	body, err := base64.StdEncoding.DecodeString(envelope.Body)
	if err != nil {
		return nil, nil, &FormatError{Err: fmt.Errorf("body is not valid base64: %w", err), Timestamp: time.Now()}
	}
	if body == nil {
		body = []byte{}
	}

	headers := envelope.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return headers, body, nil
}

// EncodeMessage serializes a transport message
func EncodeMessage(msg *contracts.TransportMessage) (string, error) {
	return Serialize(msg.Headers, msg.Body)
}

// DecodeMessage deserializes a transport message
func DecodeMessage(text string) (*contracts.TransportMessage, error) {
	headers, body, err := Deserialize(text)
	if err != nil {
		return nil, err
	}
	return &contracts.TransportMessage{Headers: headers, Body: body}, nil
}
