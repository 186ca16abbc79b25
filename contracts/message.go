package contracts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TransportMessage is a message as seen by a transport: string headers and an opaque body
type TransportMessage struct {
	Headers map[string]string
	Body    []byte
}

// NewTransportMessage creates a message from a copy of headers and assigns a
// generated message id and sent time when they are missing
func NewTransportMessage(headers map[string]string, body []byte) *TransportMessage {
	h := make(map[string]string, len(headers)+2)
	for k, v := range headers {
		h[k] = v
	}
	if h[HeaderMessageID] == "" {
		h[HeaderMessageID] = uuid.New().String()
	}
	if _, ok := h[HeaderSentTime]; !ok {
		h[HeaderSentTime] = FormatTime(time.Now())
	}
	if body == nil {
		body = []byte{}
	}
	return &TransportMessage{Headers: h, Body: body}
}

// GetID returns the message ID
func (m *TransportMessage) GetID() string {
	return m.Headers[HeaderMessageID]
}

// GetCorrelationID returns the correlation ID
func (m *TransportMessage) GetCorrelationID() string {
	return m.Headers[HeaderCorrelationID]
}

// Header returns the value of a header and whether it was present
func (m *TransportMessage) Header(key string) (string, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// Clone returns a deep copy of the message
func (m *TransportMessage) Clone() *TransportMessage {
	h := make(map[string]string, len(m.Headers))
	for k, v := range m.Headers {
		h[k] = v
	}
	body := make([]byte, len(m.Body))
	copy(body, m.Body)
	return &TransportMessage{Headers: h, Body: body}
}

// SentTime parses the sent-time header
func (m *TransportMessage) SentTime() (time.Time, bool, error) {
	return m.timeHeader(HeaderSentTime)
}

// DeferredUntil parses the deferred-until header
func (m *TransportMessage) DeferredUntil() (time.Time, bool, error) {
	return m.timeHeader(HeaderDeferredUntil)
}

// TimeToBeReceived parses the time-to-be-received header
func (m *TransportMessage) TimeToBeReceived() (time.Duration, bool, error) {
	v, ok := m.Headers[HeaderTimeToBeReceived]
	if !ok {
		return 0, false, nil
	}
	d, err := ParseDuration(v)
	if err != nil {
		return 0, true, fmt.Errorf("invalid %s header %q: %w", HeaderTimeToBeReceived, v, err)
	}
	return d, true, nil
}

func (m *TransportMessage) timeHeader(key string) (time.Time, bool, error) {
	v, ok := m.Headers[key]
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, true, fmt.Errorf("invalid %s header %q: %w", key, v, err)
	}
	return t, true, nil
}

// FormatTime formats t the way time headers are written
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseDuration accepts a Go duration string ("1m30s") or a clock-style
// "[d.]hh:mm:ss[.fffffff]" value
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var days time.Duration
	clock := s
	if dot := strings.Index(s, "."); dot >= 0 && dot < strings.Index(s, ":") {
		n, err := strconv.Atoi(s[:dot])
		if err != nil {
			return 0, fmt.Errorf("invalid day component in %q", s)
		}
		days = time.Duration(n) * 24 * time.Hour
		clock = s[dot+1:]
	}

	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %q", s)
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid seconds in %q", s)
	}

	return days +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second)), nil
}
