package sqs

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const fifoSuffix = ".fifo"

// IsQueueURL reports whether address is an absolute http(s) URL
func IsQueueURL(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// QueueNameFromAddress returns the queue name of a queue URL, or address itself
func QueueNameFromAddress(address string) string {
	if !IsQueueURL(address) {
		return address
	}
	u, _ := url.Parse(address)
	name := path.Base(strings.TrimSuffix(u.Path, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}

// IsFIFO reports whether address names a FIFO queue
func IsFIFO(address string) bool {
	return strings.HasSuffix(QueueNameFromAddress(address), fifoSuffix)
}

// ValidateAddress checks that address is either an absolute queue URL or a
// queue name SQS would accept
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is empty", ErrInvalidAddress)
	}
	if IsQueueURL(address) {
		if QueueNameFromAddress(address) == "" {
			return fmt.Errorf("%w: url '%s' has no queue name", ErrInvalidAddress, address)
		}
		return nil
	}
	if strings.Contains(address, "/") {
		return fmt.Errorf("%w: '%s' contains '/' but is not an absolute queue url", ErrInvalidAddress, address)
	}

	name := strings.TrimSuffix(address, fifoSuffix)
	if len(address) > 80 {
		return fmt.Errorf("%w: queue name '%s' is longer than 80 characters", ErrInvalidAddress, address)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: queue name '%s' contains invalid character %q", ErrInvalidAddress, address, r)
		}
	}
	return nil
}
