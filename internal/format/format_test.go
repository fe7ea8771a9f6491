package format

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestMessageUsesFirstThreeHashtags(t *testing.T) {
	got := Message("%title% %link% %hashtags%", "Hello", "http://x/1", []string{"#a", "#b", "#c", "#d"})
	want := "Hello http://x/1 #a #b #c"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMessageLeavesUnknownPlaceholders(t *testing.T) {
	got := Message("%title% %nope%", "T", "L", nil)
	if got != "T %nope%" {
		t.Fatalf("got %q", got)
	}
}

func TestMessageEmptyTemplate(t *testing.T) {
	if got := Message("", "T", "L", []string{"#a"}); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestMessageTruncatesByCodePoints(t *testing.T) {
	// 300 multi-byte runes; the cap counts code points, not bytes.
	title := strings.Repeat("é", 300)
	got := Message("%title%", title, "", nil)
	if n := utf8.RuneCountInString(got); n != 280 {
		t.Fatalf("expected 280 runes, got %d", n)
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
}

func TestMessageShortInputUntouched(t *testing.T) {
	got := Message("%title% %link%", "short", "http://x", nil)
	if got != "short http://x" {
		t.Fatalf("got %q", got)
	}
}

func TestHashtagsDerivation(t *testing.T) {
	got := Hashtags([]string{"Tech News", "Go"}, []string{"go", "Tech News", "  "})
	want := []string{"#TechNews", "#Go", "#go"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestHashtagsEmptyInputs(t *testing.T) {
	if got := Hashtags(nil, nil); len(got) != 0 {
		t.Fatalf("expected no hashtags, got %v", got)
	}
}
