// Package sanitize implements the text and thread-id validation rules shared
// by the transport and command-handler layers: length limits, the injection
// blacklist, a single forward escape pass over a fixed character set, and
// thread-id character validation.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxTextLength is the hard cap on outbound message text.
const MaxTextLength = 5000

// threadIDPattern is the allowed character set for thread ids.
var threadIDPattern = regexp.MustCompile(`^[A-Za-z0-9+@._\-;]+$`)

// injectionBlacklist is the fixed set of patterns that must never appear in
// outbound text: shell invocation, cross-application control commands, and
// nested control blocks. This is a fixed table, not a heuristic to be tuned.
var injectionBlacklist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)do\s+shell\s+script`),
	regexp.MustCompile(`(?i)tell\s+application\s+"[^"]*"\s*\n?\s*tell\s+application`),
	regexp.MustCompile(`(?i)osascript\s+-e`),
	regexp.MustCompile(`(?i)end\s+tell\s*\n\s*tell\s+application`),
	regexp.MustCompile("`[^`]*`"),
	regexp.MustCompile(`\$\([^)]*\)`),
}

// escapeOrder is the ordered set of characters rewritten by Escape: backslash
// first (so later escapes don't get double-escaped), then quote, newline,
// tab, CR.
var escapeOrder = []struct {
	from byte
	to   string
}{
	{'\\', `\\`},
	{'"', `\"`},
	{'\n', `\n`},
	{'\t', `\t`},
	{'\r', `\r`},
}

// ErrTooLong is returned when text exceeds MaxTextLength.
type ErrTooLong struct{ Length int }

func (e *ErrTooLong) Error() string {
	return fmt.Sprintf("text length %d exceeds max %d", e.Length, MaxTextLength)
}

// ErrForbiddenPattern is returned when text matches an injection blacklist entry.
type ErrForbiddenPattern struct{ Pattern string }

func (e *ErrForbiddenPattern) Error() string {
	return fmt.Sprintf("text matches forbidden pattern %q", e.Pattern)
}

// ErrInvalidThreadID is returned when a thread id contains disallowed characters.
type ErrInvalidThreadID struct{ ThreadID string }

func (e *ErrInvalidThreadID) Error() string {
	return fmt.Sprintf("thread id %q contains disallowed characters", e.ThreadID)
}

// ValidateText rejects text that is too long or matches the injection
// blacklist. It does not mutate text; call Escape separately for the
// send-path escaping pass.
func ValidateText(text string) error {
	if len(text) > MaxTextLength {
		return &ErrTooLong{Length: len(text)}
	}
	for _, pat := range injectionBlacklist {
		if pat.MatchString(text) {
			return &ErrForbiddenPattern{Pattern: pat.String()}
		}
	}
	return nil
}

// ValidateThreadID rejects thread ids containing characters outside
// [A-Za-z0-9+@._\-;].
func ValidateThreadID(threadID string) error {
	if threadID == "" || !threadIDPattern.MatchString(threadID) {
		return &ErrInvalidThreadID{ThreadID: threadID}
	}
	return nil
}

// Escape performs a single forward pass escaping backslash, quote, newline,
// tab, and CR in that order, for use on the chat-send path.
func Escape(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		escaped := false
		for _, e := range escapeOrder {
			if c == e.from {
				b.WriteString(e.to)
				escaped = true
				break
			}
		}
		if !escaped {
			b.WriteByte(c)
		}
	}
	return b.String()
}
