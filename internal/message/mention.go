package message

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidRecipient marks a recipient that does not fit the mention
// grammar and so cannot survive a log-line round trip.
var ErrInvalidRecipient = errors.New("invalid recipient")

// recipientChars is the single grammar for recipient and mention tokens:
// word characters plus '/', '.', ',', '@' and '-'. A token may name several
// sessions separated by commas ("@a,@b"). A lone '*' is the explicit
// broadcast token.
const recipientChars = `(?:\*|[\w/.,@-]+)`

var (
	leadingRecipientRe = regexp.MustCompile(`^@(` + recipientChars + `)\s+`)
	mentionRe          = regexp.MustCompile(`@(` + recipientChars + `)`)
	leadingTargetRe    = regexp.MustCompile(`^@(` + recipientChars + `)\s*`)
	recipientRe        = regexp.MustCompile(`^` + recipientChars + `$`)
)

// IsReserved reports whether token is a broadcast keyword rather than a
// session id.
func IsReserved(token string) bool {
	return token == "all" || token == "*"
}

// NormalizeRecipient maps the reserved broadcast tokens to the empty
// recipient and trims a leading '@'.
func NormalizeRecipient(recipient string) string {
	r := strings.TrimPrefix(strings.TrimSpace(recipient), "@")
	if IsReserved(r) {
		return ""
	}
	return r
}

// ValidateRecipient rejects a normalized recipient that cannot be encoded as
// a leading mention. The empty recipient is valid.
func ValidateRecipient(r string) error {
	if r == "" || recipientRe.MatchString(r) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidRecipient, r)
}

// SplitRecipient extracts a leading "@token " from content. The reserved
// tokens are stripped but yield no recipient.
func SplitRecipient(content string) (rest, recipient string) {
	loc := leadingRecipientRe.FindStringSubmatchIndex(content)
	if loc == nil {
		return content, ""
	}
	token := content[loc[2]:loc[3]]
	rest = content[loc[1]:]
	if IsReserved(token) {
		return rest, ""
	}
	return rest, token
}

// Mentions returns every session named by an @token anywhere in body, in
// order of first appearance and without duplicates. Comma lists are
// expanded and trailing punctuation is dropped.
func Mentions(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range mentionRe.FindAllStringSubmatch(body, -1) {
		for _, part := range strings.Split(m[1], ",") {
			name := strings.TrimRight(strings.TrimLeft(part, "@"), ".")
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// HasBroadcastMention reports whether any mention is a reserved broadcast
// keyword.
func HasBroadcastMention(mentions []string) bool {
	for _, m := range mentions {
		if IsReserved(m) {
			return true
		}
	}
	return false
}

// ParseTargets consumes consecutive leading @tokens ("@a @b hello"). A
// reserved token anywhere in the run means "everyone" and returns no targets.
func ParseTargets(content string) (rest string, targets []string) {
	rest = content
	for strings.HasPrefix(rest, "@") {
		loc := leadingTargetRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		token := rest[loc[2]:loc[3]]
		rest = rest[loc[1]:]
		for _, part := range strings.Split(token, ",") {
			part = strings.TrimLeft(part, "@")
			if IsReserved(part) {
				return strings.TrimSpace(rest), nil
			}
			if part != "" {
				targets = append(targets, part)
			}
		}
	}
	return strings.TrimSpace(rest), targets
}

// RecipientMatches reports whether a message addressed to recipient is
// visible to reader: broadcast (empty or "*"), an exact match, or membership
// in a comma-separated list.
func RecipientMatches(recipient, reader string) bool {
	if recipient == "" || recipient == "*" || recipient == reader {
		return true
	}
	if !strings.Contains(recipient, ",") {
		return false
	}
	for _, part := range strings.Split(recipient, ",") {
		if strings.TrimPrefix(strings.TrimSpace(part), "@") == reader {
			return true
		}
	}
	return false
}
