package message

import (
	"fmt"
	"regexp"
	"strings"
)

// EndSentinel terminates a multi-line block in the log format.
const EndSentinel = "<<<END>>>"

var (
	blockHeaderRe = regexp.MustCompile(`^<<<\[([^\]]+)\]\[([^\]]+)\]\[([^\]]+)\]>>>`)
	typedLineRe   = regexp.MustCompile(`^\[([^\]]+)\] \[([^\]]+)\] \[([^\]]+)\] (.+)`)
	plainLineRe   = regexp.MustCompile(`^\[([^\]]+)\] \[([^\]]+)\] (.+)`)
	bracketLeadRe = regexp.MustCompile(`^\[[^\]]+\] .`)
)

// FormatLogLine renders m in the plain-text log format. Multi-line content
// produces a delimited block; the result never ends with a newline.
//
// Two cases are written in a slightly longer but still parseable form so
// the line round-trips: an untargeted message whose content itself starts
// with "@token " gets an explicit "@* " prefix, and a chat message whose
// content starts with "[...] " carries an explicit [MSG] tag.
func FormatLogLine(m *Message) string {
	content := m.Content
	switch {
	case m.Recipient != "":
		content = "@" + m.Recipient + " " + content
	case leadingRecipientRe.MatchString(content):
		content = "@* " + content
	}

	typ := m.Type
	if typ == "" {
		typ = TypeChat
	}

	if strings.Contains(content, "\n") {
		return fmt.Sprintf("<<<[%s][%s][%s]>>>\n%s\n%s", m.Timestamp, m.Sender, typ, content, EndSentinel)
	}
	if typ != TypeChat || bracketLeadRe.MatchString(content) {
		return fmt.Sprintf("[%s] [%s] [%s] %s", m.Timestamp, m.Sender, typ, content)
	}
	return fmt.Sprintf("[%s] [%s] %s", m.Timestamp, m.Sender, content)
}

// SplitLines splits file contents into lines, dropping the final empty
// element produced by a trailing newline.
func SplitLines(data string) []string {
	if data == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(data, "\n"), "\n")
}

// ParseLogLines decodes a log file's lines. Each message's ID is the 1-based
// line number of its first line. Lines that match no known layout are
// skipped so that readers survive formats written by newer versions. An
// unterminated block is treated as not yet written.
func ParseLogLines(lines []string, room string) []Message {
	var out []Message
	for i := 0; i < len(lines); {
		line := lines[i]

		if strings.HasPrefix(line, "<<<[") {
			if g := blockHeaderRe.FindStringSubmatch(line); g != nil {
				end := i + 1
				for end < len(lines) && lines[end] != EndSentinel {
					end++
				}
				if end == len(lines) {
					break
				}
				content, recipient := SplitRecipient(strings.Join(lines[i+1:end], "\n"))
				out = append(out, Message{
					ID:        int64(i + 1),
					Room:      room,
					Timestamp: g[1],
					Sender:    g[2],
					Type:      Type(g[3]),
					Content:   content,
					Recipient: recipient,
				})
				i = end + 1
				continue
			}
		}

		if strings.HasPrefix(line, "[") {
			if m, ok := parseSingleLine(line); ok {
				m.ID = int64(i + 1)
				m.Room = room
				out = append(out, m)
			}
		}
		i++
	}
	return out
}

func parseSingleLine(line string) (Message, bool) {
	if g := typedLineRe.FindStringSubmatch(line); g != nil {
		content, recipient := SplitRecipient(g[4])
		return Message{
			Timestamp: g[1],
			Sender:    g[2],
			Type:      Type(g[3]),
			Content:   content,
			Recipient: recipient,
		}, true
	}
	if g := plainLineRe.FindStringSubmatch(line); g != nil {
		content, recipient := SplitRecipient(g[3])
		return Message{
			Timestamp: g[1],
			Sender:    g[2],
			Type:      TypeChat,
			Content:   content,
			Recipient: recipient,
		}, true
	}
	return Message{}, false
}
