package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_WireRoundTrip(t *testing.T) {
	message := Message{
		Kind:      StockTransferRequest,
		From:      "branch-1",
		To:        "branch-2",
		Resource:  "P001",
		Timestamp: 42,
		Payload: map[string]interface{}{
			PayloadQuantity: 4,
			PayloadTicket:   "t-1",
			PayloadApproved: true,
			PayloadProduct:  EncodeProduct(Product{ID: "P001", Name: "beans", Quantity: 4}),
		},
	}

	data, err := json.Marshal(message)
	require.NoError(t, err)
	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, message.Kind, decoded.Kind)
	assert.Equal(t, message.From, decoded.From)
	assert.Equal(t, message.Resource, decoded.Resource)
	assert.Equal(t, message.Timestamp, decoded.Timestamp)

	// Integers crossed the wire as float64 and still read back.
	quantity, ok := decoded.PayloadInt(PayloadQuantity)
	require.True(t, ok)
	assert.Equal(t, int64(4), quantity)

	ticket, ok := decoded.PayloadString(PayloadTicket)
	require.True(t, ok)
	assert.Equal(t, "t-1", ticket)

	approved, ok := decoded.PayloadBool(PayloadApproved)
	require.True(t, ok)
	assert.True(t, approved)

	raw, ok := decoded.PayloadMap(PayloadProduct)
	require.True(t, ok)
	product, err := DecodeProduct(raw)
	require.NoError(t, err)
	assert.Equal(t, "P001", product.ID)
	assert.Equal(t, 4, product.Quantity)
}

func TestMessage_PayloadCoercionFailures(t *testing.T) {
	message := Message{Payload: map[string]interface{}{
		"text":     "not a number",
		"negative": float64(-3),
	}}

	_, ok := message.PayloadInt("text")
	assert.False(t, ok)
	_, ok = message.PayloadInt("missing")
	assert.False(t, ok)
	_, ok = message.PayloadUint("negative")
	assert.False(t, ok)
	_, ok = message.PayloadBool("text")
	assert.False(t, ok)
	_, ok = message.PayloadMap("text")
	assert.False(t, ok)
}
