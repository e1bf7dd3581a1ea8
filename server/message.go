package server

import (
	"encoding/json"

	"github.com/alimasry/go-patch-history/store"
)

// Message types exchanged over WebSocket.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgDoc         = "doc"
	MsgPatch       = "patch"
	MsgError       = "error"
)

// ClientMessage is a message from client to server.
type ClientMessage struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// ServerMessage is a message from server to client.
type ServerMessage struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	// Revision is the number of patches in the document's history.
	Revision    int            `json:"revision"`
	Fields      map[string]any `json:"fields,omitempty"`
	Patch       *store.Patch   `json:"patch,omitempty"`
	Subscribers int            `json:"subscribers,omitempty"`
	Message     string         `json:"message,omitempty"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
