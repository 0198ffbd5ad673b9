package mcp

// SendMessageInput is the input for the send_message tool.
type SendMessageInput struct {
	Content string `json:"content" jsonschema:"Message text"`
	Type    string `json:"type,omitempty" jsonschema:"Message type: MSG, TASK, REPLY, STATUS, URGENT or ERROR. Default MSG"`
	To      string `json:"to,omitempty" jsonschema:"Recipient session id or alias; empty for everyone"`
}

// SendMessageOutput is the output for the send_message tool.
type SendMessageOutput struct {
	ID        int64  `json:"id" jsonschema:"Storage id of the message"`
	Type      string `json:"type"`
	To        string `json:"to,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MessageInfo is one message returned by the read tools.
type MessageInfo struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	Type      string `json:"type"`
	To        string `json:"to,omitempty"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ReadMessagesInput is the input for the read_messages tool.
type ReadMessagesInput struct {
	All   bool   `json:"all,omitempty" jsonschema:"Read the whole history instead of only unread messages"`
	Limit int    `json:"limit,omitempty" jsonschema:"Max messages to return. Default 50"`
	Type  string `json:"type,omitempty" jsonschema:"Only return messages of this type"`
	ForMe bool   `json:"for_me,omitempty" jsonschema:"Only return broadcasts and messages addressed to this session"`
}

// ReadMessagesOutput is the output for the read_messages tool.
type ReadMessagesOutput struct {
	Status   string        `json:"status" jsonschema:"Result status: messages or empty"`
	Messages []MessageInfo `json:"messages"`
	NewCount int           `json:"new_count" jsonschema:"Unread messages before limits were applied"`
	Total    int           `json:"total" jsonschema:"Messages in the room"`
}

// CheckMessagesInput is the input for the check_messages tool.
type CheckMessagesInput struct {
	ForMe bool `json:"for_me,omitempty" jsonschema:"Only return broadcasts and messages addressed to this session"`
}

// CheckMessagesOutput is the output for the check_messages tool.
type CheckMessagesOutput struct {
	Status  string        `json:"status" jsonschema:"Result status: messages or empty"`
	Pending []MessageInfo `json:"pending" jsonschema:"Messages flagged by a watcher"`
	New     []MessageInfo `json:"new" jsonschema:"Other unread messages"`
	Total   int           `json:"total"`
}

// RoomStatusInput is the (empty) input for the room_status tool.
type RoomStatusInput struct{}

// RoomStatusOutput is the output for the room_status tool.
type RoomStatusOutput struct {
	Room         string   `json:"room"`
	Session      string   `json:"session"`
	MessageCount int      `json:"message_count"`
	Readers      []string `json:"readers"`
	Location     string   `json:"location"`
}

// WaitForMessageInput is the input for the wait_for_message tool.
type WaitForMessageInput struct {
	Timeout int  `json:"timeout,omitempty" jsonschema:"Max seconds to wait. Default and max 300"`
	ForMe   bool `json:"for_me,omitempty" jsonschema:"Only wake for broadcasts and messages addressed to this session"`
}

// WaitForMessageOutput is the output for the wait_for_message tool.
type WaitForMessageOutput struct {
	Status        string        `json:"status" jsonschema:"Result: message_received or timeout"`
	Messages      []MessageInfo `json:"messages,omitempty"`
	WaitedSeconds int           `json:"waited_seconds" jsonschema:"How long the wait lasted in seconds"`
}
