// Package hub is the live delivery layer: a Unix-socket server that routes
// newline-delimited JSON frames between registered sessions by @mention, and
// the client that talks to it. Every routed message is also persisted to the
// room so that sessions that were offline can catch up from storage.
package hub

import (
	"encoding/json"

	"github.com/nclaude/nclaude/internal/message"
)

// Control frame types. Message frames use the message type names.
const (
	FrameRegister   = "REGISTER"
	FrameRegistered = "REGISTERED"
	FrameSent       = "SENT"
	FrameList       = "LIST"
	FrameClientList = "CLIENT_LIST"
	FrameRejected   = "REJECTED"
)

// maxFrameSize bounds one line on the wire.
const maxFrameSize = 1 << 20

// Frame is the union of every field any frame carries. Unknown fields in
// incoming frames are ignored.
type Frame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Clients   []string `json:"clients,omitempty"`

	// Routed messages.
	ID        string   `json:"id,omitempty"`
	From      string   `json:"from,omitempty"`
	Body      string   `json:"body,omitempty"`
	Mentions  []string `json:"mentions,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`

	// Ref is set by the sender on a message or LIST frame and echoed in the
	// reply, so a late reply is never credited to a newer request.
	Ref string `json:"ref,omitempty"`

	// SENT acknowledgements.
	RoutedTo  []string `json:"routed_to,omitempty"`
	Broadcast bool     `json:"broadcast,omitempty"`

	// REJECTED frames.
	Reason string `json:"reason,omitempty"`
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// IsMessage reports whether f is a routable message frame.
func (f *Frame) IsMessage() bool {
	return routable(f.Type)
}

func routable(t string) bool {
	switch message.Type(t) {
	case message.TypeChat, message.TypeTask, message.TypeReply,
		message.TypeStatus, message.TypeError, message.TypeUrgent:
		return true
	}
	return false
}

// decodeFrame parses one line. A line that is not a JSON object is noise.
func decodeFrame(line []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, false
	}
	if f.Type == "" {
		f.Type = string(message.TypeChat)
	}
	return f, true
}

// encodeFrame always writes routed_to on SENT and clients on CLIENT_LIST
// and REGISTERED, even when the list is empty.
func encodeFrame(f *Frame) []byte {
	type plain Frame
	var v any = (*plain)(f)
	switch f.Type {
	case FrameSent:
		v = struct {
			*plain
			RoutedTo []string `json:"routed_to"`
		}{(*plain)(f), nonNil(f.RoutedTo)}
	case FrameClientList, FrameRegistered:
		v = struct {
			*plain
			Clients []string `json:"clients"`
		}{(*plain)(f), nonNil(f.Clients)}
	}
	data, err := json.Marshal(v)
	if err != nil {
		// Frame holds only strings, slices of strings and a bool.
		panic(err)
	}
	return data
}
