// Package hub fans websocket messages out to every connected dashboard
// client using a single goroutine that owns the client set.
package hub

import jsoniter "github.com/json-iterator/go"

// MessageType indicates the websocket message format
type MessageType int

const (
	// JSONMessage is a JSON-encoded text message
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data (e.g. a JPEG still)
	BinaryMessage
)

// Message represents a message to be broadcast to clients
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage creates a JSON message from pre-encoded bytes
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage creates a binary message
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// EncodeJSON marshals v into a JSONMessage.
func EncodeJSON(v any) (Message, error) {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}
