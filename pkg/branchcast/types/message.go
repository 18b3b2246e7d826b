package types

import "encoding/json"

// Kind discriminates the payload carried by a message envelope.
// Handlers switch on the kind, there is no message hierarchy.
type Kind string

const (
	PeerHello       Kind = "PEER_HELLO"
	PeerGoodbye     Kind = "PEER_GOODBYE"
	BranchHeartbeat Kind = "BRANCH_HEARTBEAT"

	StockTransferRequest  Kind = "STOCK_TRANSFER_REQUEST"
	StockTransferResponse Kind = "STOCK_TRANSFER_RESPONSE"
	StockTransferConfirm  Kind = "STOCK_TRANSFER_CONFIRM"

	MutexRequest Kind = "MUTEX_REQUEST"
	MutexReply   Kind = "MUTEX_REPLY"

	SyncRequest  Kind = "SYNC_REQUEST"
	SyncResponse Kind = "SYNC_RESPONSE"
	LogEntryKind Kind = "LOG_ENTRY"
	LogAck       Kind = "LOG_ACK"

	ErrorKind Kind = "ERROR"
	Ack       Kind = "ACK"
	Ping      Kind = "PING"
	Pong      Kind = "PONG"
)

// Message is the single envelope exchanged between branches.
// The payload is opaque at the wire level and typed by the kind
// at the handler.
type Message struct {
	// Which kind of payload is carried.
	Kind Kind `json:"kind"`

	// Identifier of the branch that emitted this envelope.
	From string `json:"from"`

	// Identifier of the destination branch. Empty when the
	// envelope was broadcast.
	To string `json:"to,omitempty"`

	// Resource the envelope is about, e.g. a product id for
	// transfers or a mutex resource domain.
	Resource string `json:"resource,omitempty"`

	// Lamport timestamp taken when the envelope was created.
	Timestamp uint64 `json:"ts"`

	// Free form values, the valid keys depend on the kind.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Payload keys used by the core protocol handlers.
const (
	PayloadQuantity = "quantity"
	PayloadApproved = "approved"
	PayloadTicket   = "ticket"
	PayloadFromTS   = "from_ts"
	PayloadOrigin   = "origin"
	PayloadOp       = "op"
	PayloadData     = "data"
	PayloadCount    = "count"
	PayloadMillis   = "millis"
	PayloadReason   = "reason"
	PayloadProduct  = "product"
)

// PayloadInt reads an integer value from the payload. JSON decodes
// every number as float64, so both forms must be accepted.
func (m Message) PayloadInt(key string) (int64, bool) {
	switch v := m.Payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// PayloadUint is PayloadInt for non-negative values, rejecting
// anything below zero.
func (m Message) PayloadUint(key string) (uint64, bool) {
	n, ok := m.PayloadInt(key)
	if !ok || n < 0 {
		return 0, false
	}
	return uint64(n), true
}

func (m Message) PayloadString(key string) (string, bool) {
	v, ok := m.Payload[key].(string)
	return v, ok
}

func (m Message) PayloadBool(key string) (bool, bool) {
	v, ok := m.Payload[key].(bool)
	return v, ok
}

// PayloadMap reads a nested key value object, e.g. a log entry
// payload or a product record.
func (m Message) PayloadMap(key string) (map[string]interface{}, bool) {
	v, ok := m.Payload[key].(map[string]interface{})
	return v, ok
}
