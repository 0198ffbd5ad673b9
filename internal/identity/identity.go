// Package identity derives who is talking: the workspace a session belongs
// to and the session id it speaks as. Both come from git when available.
package identity

import (
	"fmt"
	"regexp"
	"strings"
)

// FallbackSession is used outside a git checkout.
const FallbackSession = "claude"

// sessionRegex accepts the characters the mention grammar can address.
var sessionRegex = regexp.MustCompile(`^[\w/.@-]+$`)

// reservedNames address everyone and cannot be a session.
var reservedNames = map[string]bool{
	"all": true,
	"*":   true,
}

// SessionID returns "<repo>-<branch>" with path separators in the branch
// flattened, or FallbackSession when either part is unknown.
func SessionID(info GitInfo) string {
	if info.Repo == "" || info.Branch == "" {
		return FallbackSession
	}
	return info.Repo + "-" + SanitizeBranch(info.Branch)
}

// SanitizeBranch makes a branch name usable inside a session id.
func SanitizeBranch(branch string) string {
	return strings.ReplaceAll(strings.TrimSpace(branch), "/", "-")
}

// ValidateSessionID rejects ids that could not be @mentioned.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if reservedNames[strings.ToLower(id)] {
		return fmt.Errorf("session id %q is reserved", id)
	}
	if !sessionRegex.MatchString(id) {
		return fmt.Errorf("session id %q may only contain letters, digits, '_', '-', '.', '/' and '@'", id)
	}
	return nil
}

// ResolveTarget maps an @mention target to a session id: "nclaude/<branch>"
// becomes "nclaude-<branch>", then aliases apply. Anything else passes
// through.
func ResolveTarget(target string, aliases map[string]string) string {
	target = strings.TrimPrefix(strings.TrimSpace(target), "@")
	if rest, ok := strings.CutPrefix(target, "nclaude/"); ok {
		return "nclaude-" + rest
	}
	if resolved, ok := aliases[target]; ok && resolved != "" {
		return resolved
	}
	return target
}
