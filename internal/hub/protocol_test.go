package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedFields(t *testing.T, f *Frame) map[string]json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(encodeFrame(f), &fields))
	return fields
}

func TestEncodeFrameKeepsEmptyLists(t *testing.T) {
	sent := encodedFields(t, &Frame{Type: FrameSent, ID: "01J", RoutedTo: []string{}})
	assert.JSONEq(t, `[]`, string(sent["routed_to"]))

	sent = encodedFields(t, &Frame{Type: FrameSent, ID: "01J"})
	assert.JSONEq(t, `[]`, string(sent["routed_to"]))

	list := encodedFields(t, &Frame{Type: FrameClientList})
	assert.JSONEq(t, `[]`, string(list["clients"]))

	registered := encodedFields(t, &Frame{Type: FrameRegistered, SessionID: "A", Clients: []string{"A"}})
	assert.JSONEq(t, `["A"]`, string(registered["clients"]))
}

func TestEncodeFrameOmitsUnrelatedLists(t *testing.T) {
	msg := encodedFields(t, &Frame{Type: "MSG", Body: "hi"})
	assert.NotContains(t, msg, "routed_to")
	assert.NotContains(t, msg, "clients")

	rejected := encodedFields(t, &Frame{Type: FrameRejected, Reason: "no"})
	assert.NotContains(t, rejected, "routed_to")
}

func TestEncodeFrameRoundTripsRef(t *testing.T) {
	f, ok := decodeFrame(encodeFrame(&Frame{Type: FrameSent, Ref: "A-7", ID: "01J"}))
	require.True(t, ok)
	assert.Equal(t, "A-7", f.Ref)
	assert.Equal(t, []string{}, f.RoutedTo)
}
