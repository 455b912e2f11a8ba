package models

// LoraMessage is an opaque payload relayed between two radio nodes.
type LoraMessage struct {
	ID         string  `json:"id" cbor:"id"`
	SenderID   string  `json:"sender_id" cbor:"sender_id"`
	ReceiverID string  `json:"receiver_id" cbor:"receiver_id"`
	Message    string  `json:"message" cbor:"message"`
	Timestamp  float64 `json:"timestamp" cbor:"timestamp"`
}

func (m LoraMessage) OrderKey() float64 { return m.Timestamp }
