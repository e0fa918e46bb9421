package content

import (
	"bytes"
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const PreviewLength = 120

var (
	policy       = bluemonday.UGCPolicy()
	strictPolicy = bluemonday.StrictPolicy()
	markdown     = goldmark.New()

	idRegex       = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
	publicIDRegex = regexp.MustCompile(`^[a-zA-Z0-9/_-]+$`)
	spaceRegex    = regexp.MustCompile(`\s+`)
)

// Sanitize removes unsafe HTML from the input string.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// SanitizeText prepares a message body for storage: control characters other
// than newlines and tabs are dropped, the text is capped at max runes and
// unsafe HTML is removed.
func SanitizeText(input string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	cleaned = strings.TrimSpace(Truncate(cleaned, max))
	return strings.TrimSpace(Sanitize(cleaned))
}

// SanitizeLine reduces input to a single line of plain text of at most max
// runes. Used for group names, display names and custom statuses.
func SanitizeLine(input string, max int) string {
	text := html.UnescapeString(strictPolicy.Sanitize(input))
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = spaceRegex.ReplaceAllString(strings.TrimSpace(text), " ")
	return Truncate(text, max)
}

// Preview renders a markdown body to a short plain text line.
func Preview(body string) string {
	var buf bytes.Buffer
	text := body
	if err := markdown.Convert([]byte(body), &buf); err == nil {
		text = buf.String()
	}
	text = html.UnescapeString(strictPolicy.Sanitize(text))
	text = spaceRegex.ReplaceAllString(strings.TrimSpace(text), " ")
	if utf8.RuneCountInString(text) > PreviewLength {
		return Truncate(text, PreviewLength-1) + "…"
	}
	return text
}

// Truncate cuts s to at most max runes.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// ValidateID checks that a conversation id is non-empty, at most 128
// characters and made of alphanumerics, dot, dash, colon and underscore.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("id is too long")
	}
	if !idRegex.MatchString(id) {
		return errors.New("id contains invalid characters (allowed: alphanumeric, dot, dash, colon, underscore)")
	}
	return nil
}

// ValidateUserID is ValidateID without underscore, which separates the
// two user ids of a direct conversation id.
func ValidateUserID(id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if strings.Contains(id, "_") {
		return errors.New("user id must not contain underscore")
	}
	return nil
}

// ValidatePublicID checks an upload public id.
func ValidatePublicID(id string) error {
	if len(id) > 200 {
		return errors.New("public id is too long")
	}
	if !publicIDRegex.MatchString(id) || strings.Contains(id, "//") {
		return errors.New("public id contains invalid characters")
	}
	return nil
}
