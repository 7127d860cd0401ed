// Package validate guards content and identifiers before they enter the
// delivery pipeline.
package validate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	MaxMessageLength  = 10000
	MinIdentityLength = 20
	MaxIdentityLength = 200
	MinUsernameLength = 3
	MaxUsernameLength = 30
	MaxGroupNameLen   = 100
)

// Result is the outcome of a check. Sanitized is only meaningful when OK.
type Result struct {
	OK        bool
	Sanitized string
	Reason    string
}

func reject(reason string) Result { return Result{Reason: reason} }

var denylist = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)\bon[a-z]+\s*=`),
	regexp.MustCompile(`(?i)data\s*:\s*text/html`),
	regexp.MustCompile(`(?i)\beval\s*\(`),
	regexp.MustCompile(`__proto__`),
	regexp.MustCompile(`constructor\s*\[`),
	regexp.MustCompile(`(?i)<\s*iframe`),
}

var (
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	identityRE   = regexp.MustCompile(`^[A-Za-z0-9._~+/=_-]+$`)
	usernameRE   = regexp.MustCompile(`^[a-z0-9_]+$`)
	whitespaceRE = regexp.MustCompile(`\s+`)
	foldCase     = cases.Fold()
)

// Message checks chat content and returns the sanitized form.
func Message(content string) Result {
	if !utf8.ValidString(content) {
		return reject("content is not valid UTF-8")
	}
	clean := Sanitize(content)
	if clean == "" {
		return reject("content is empty")
	}
	if n := utf8.RuneCountInString(clean); n > MaxMessageLength {
		return reject("content exceeds maximum length")
	}
	for _, re := range denylist {
		if re.MatchString(clean) {
			return reject("content matches a disallowed pattern")
		}
	}
	return Result{OK: true, Sanitized: clean}
}

// Sanitize strips control characters other than newline and tab,
// collapses runs of spaces and tabs, and trims each end.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) || r == utf8.RuneError {
			continue
		}
		b.WriteRune(r)
	}
	out := spaceRun.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(out)
}

// Identity checks a public identity string.
func Identity(s string) Result {
	s = strings.TrimSpace(s)
	if len(s) < MinIdentityLength || len(s) > MaxIdentityLength {
		return reject("identity has invalid length")
	}
	if !identityRE.MatchString(s) {
		return reject("identity contains invalid characters")
	}
	return Result{OK: true, Sanitized: s}
}

// NormalizeUsername applies NFKC, case folding and whitespace cleanup.
func NormalizeUsername(s string) string {
	s = norm.NFKC.String(s)
	s = foldCase.String(s)
	s = whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
	return s
}

// Username checks and normalizes a directory name.
func Username(s string) Result {
	n := NormalizeUsername(s)
	if l := utf8.RuneCountInString(n); l < MinUsernameLength || l > MaxUsernameLength {
		return reject("username must be 3 to 30 characters")
	}
	if !usernameRE.MatchString(n) {
		return reject("username may only contain a-z, 0-9 and _")
	}
	return Result{OK: true, Sanitized: n}
}

// GroupName checks a group display name.
func GroupName(s string) Result {
	clean := Sanitize(s)
	if clean == "" {
		return reject("group name is empty")
	}
	if utf8.RuneCountInString(clean) > MaxGroupNameLen {
		return reject("group name too long")
	}
	return Result{OK: true, Sanitized: clean}
}
