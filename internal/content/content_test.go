package content

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSanitizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"Plain text", "  hello  ", 2000, "hello"},
		{"Control chars", "he\x00l\x07lo\nworld", 2000, "hello\nworld"},
		{"Script tag", "<script>alert(1)</script>hi", 2000, "hi"},
		{"Truncated", "abcdef", 3, "abc"},
		{"Only whitespace", " \t\n ", 2000, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeText(tt.input, tt.max); got != tt.expected {
				t.Errorf("SanitizeText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSanitizeLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Tags stripped", "<b>Team</b> Rocket", "Team Rocket"},
		{"Whitespace collapsed", "  a \n\t b  ", "a b"},
		{"Emoji", "Friends 🤖", "Friends 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeLine(tt.input, 60); got != tt.expected {
				t.Errorf("SanitizeLine() = %q, want %q", got, tt.expected)
			}
		})
	}

	if got := SanitizeLine(strings.Repeat("x", 100), 60); utf8.RuneCountInString(got) != 60 {
		t.Errorf("expected 60 runes, got %d", utf8.RuneCountInString(got))
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain", "hello there", "hello there"},
		{"Bold", "**bold** text", "bold text"},
		{"Link", "see [the docs](https://example.com)", "see the docs"},
		{"Multi paragraph", "one\n\ntwo", "one two"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Preview(tt.input); got != tt.expected {
				t.Errorf("Preview() = %q, want %q", got, tt.expected)
			}
		})
	}

	long := Preview(strings.Repeat("word ", 100))
	if utf8.RuneCountInString(long) != PreviewLength {
		t.Errorf("expected preview of %d runes, got %d", PreviewLength, utf8.RuneCountInString(long))
	}
	if !strings.HasSuffix(long, "…") {
		t.Errorf("expected ellipsis, got %q", long)
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid dm id", "dm_alice_bob", false},
		{"Valid with colon", "grp:1", false},
		{"Invalid space", "user name", true},
		{"Invalid NUL", "a\x00b", true},
		{"Empty", "", true},
		{"Too long", strings.Repeat("a", 129), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateID(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateID() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUserID(t *testing.T) {
	if err := ValidateUserID("alice.b-1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	// "a_b" with "c" and "a" with "b_c" would share dm_a_b_c.
	for _, id := range []string{"a_b", "b_c", "", "a b"} {
		if err := ValidateUserID(id); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}

func TestValidatePublicID(t *testing.T) {
	if err := ValidatePublicID("chat/u1/photo_1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidatePublicID("../etc/passwd"); err == nil {
		t.Error("expected error for path traversal")
	}
}
