package sqs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsQueueURL(t *testing.T) {
	assert.True(t, IsQueueURL("https://sqs.eu-west-1.amazonaws.com/123456789012/orders"))
	assert.True(t, IsQueueURL("http://localhost:4566/000000000000/orders"))
	assert.False(t, IsQueueURL("orders"))
	assert.False(t, IsQueueURL("ftp://host/orders"))
	assert.False(t, IsQueueURL("/000000000000/orders"))
}

func TestQueueNameFromAddress(t *testing.T) {
	assert.Equal(t, "orders", QueueNameFromAddress("orders"))
	assert.Equal(t, "orders", QueueNameFromAddress("https://sqs.eu-west-1.amazonaws.com/123456789012/orders"))
	assert.Equal(t, "orders.fifo", QueueNameFromAddress("http://localhost:4566/000000000000/orders.fifo/"))
}

func TestIsFIFO(t *testing.T) {
	assert.True(t, IsFIFO("orders.fifo"))
	assert.True(t, IsFIFO("https://sqs.eu-west-1.amazonaws.com/123456789012/orders.fifo"))
	assert.False(t, IsFIFO("orders"))
	assert.False(t, IsFIFO("fifo"))
}

func TestValidateAddress(t *testing.T) {
	valid := []string{
		"orders",
		"orders_v2-high",
		"orders.fifo",
		"https://sqs.eu-west-1.amazonaws.com/123456789012/orders",
	}
	for _, address := range valid {
		assert.NoError(t, ValidateAddress(address), address)
	}

	invalid := []string{
		"",
		"some/queue",
		"orders queue",
		"orders.v2",
		"https://sqs.eu-west-1.amazonaws.com/",
		string(make([]byte, 81)),
	}
	for _, address := range invalid {
		err := ValidateAddress(address)
		assert.ErrorIs(t, err, ErrInvalidAddress, address)
	}
}
