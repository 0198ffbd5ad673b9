package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitRecipient(t *testing.T) {
	tests := []struct {
		in        string
		rest      string
		recipient string
	}{
		{"@bob hello", "hello", "bob"},
		{"@nclaude/main do it", "do it", "nclaude/main"},
		{"@a,@b both of you", "both of you", "a,@b"},
		{"@all everyone", "everyone", ""},
		{"@* everyone", "everyone", ""},
		{"no mention", "no mention", ""},
		{"@trailing", "@trailing", ""},
		{"mid @bob text", "mid @bob text", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			rest, recipient := SplitRecipient(tt.in)
			assert.Equal(t, tt.rest, rest)
			assert.Equal(t, tt.recipient, recipient)
		})
	}
}

func TestMentions(t *testing.T) {
	assert.Equal(t, []string{"B"}, Mentions("@B hello"))
	assert.Nil(t, Mentions("hello all"))
	assert.Equal(t, []string{"alice", "bob"}, Mentions("ping @alice, and @bob."))
	assert.Equal(t, []string{"a", "b"}, Mentions("@a,@b sync up, @a"))
	assert.Equal(t, []string{"x-1"}, Mentions("cc @x-1"))
	assert.True(t, HasBroadcastMention(Mentions("@all standup")))
	assert.False(t, HasBroadcastMention(Mentions("@alice standup")))
}

func TestParseTargets(t *testing.T) {
	rest, targets := ParseTargets("@alice @bob ship it")
	assert.Equal(t, "ship it", rest)
	assert.Equal(t, []string{"alice", "bob"}, targets)

	rest, targets = ParseTargets("@alice @all ship it")
	assert.Equal(t, "ship it", rest)
	assert.Empty(t, targets)

	rest, targets = ParseTargets("no targets")
	assert.Equal(t, "no targets", rest)
	assert.Empty(t, targets)
}

func TestRecipientMatches(t *testing.T) {
	tests := []struct {
		recipient string
		reader    string
		want      bool
	}{
		{"", "alice", true},
		{"*", "alice", true},
		{"alice", "alice", true},
		{"bob", "alice", false},
		{"bob,alice", "alice", true},
		{"bob, alice", "alice", true},
		{"bob,carol", "alice", false},
		{"alice-2", "alice", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, RecipientMatches(tt.recipient, tt.reader), "%q for %q", tt.recipient, tt.reader)
	}
}

func TestNormalizeRecipient(t *testing.T) {
	assert.Equal(t, "", NormalizeRecipient("*"))
	assert.Equal(t, "", NormalizeRecipient("@all"))
	assert.Equal(t, "bob", NormalizeRecipient("@bob"))
}

func TestValidateRecipient(t *testing.T) {
	for _, r := range []string{"", "bob", "a,b", "repo-feature/x", "x.y@host"} {
		assert.NoError(t, ValidateRecipient(r), r)
	}
	for _, r := range []string{"alice smith", "a\nb", "[bob]", "bob!"} {
		assert.ErrorIs(t, ValidateRecipient(r), ErrInvalidRecipient, r)
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("chat")
	assert.NoError(t, err)
	assert.Equal(t, TypeChat, typ)

	typ, err = ParseType("urgent")
	assert.NoError(t, err)
	assert.Equal(t, TypeUrgent, typ)

	_, err = ParseType("shout")
	assert.Error(t, err)
}
