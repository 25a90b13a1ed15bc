package relay

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseTemplateRendersWithLimits(t *testing.T) {
	tpl, err := ParseTemplate("[{long5}/{mesh}]: ", matrixPrefixVars)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := tpl.Render(map[string]string{"long": "Mountain Base", "mesh": "Alps"})
	if got != "[Mount/Alps]: " {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestParseTemplateRuneLimitKeepsMultibyte(t *testing.T) {
	tpl, err := ParseTemplate("{display3}", meshPrefixVars)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	got := tpl.Render(map[string]string{"display": "Zoë🚀xyz"})
	if got != "Zoë" {
		t.Fatalf("unexpected render %q", got)
	}
}

func TestParseTemplateErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "unknown variable", raw: "{undefined_var}", want: errUnknownVariable},
		{name: "unknown with limit", raw: "{nick4}: ", want: errUnknownVariable},
		{name: "unclosed", raw: "[{long", want: errUnbalancedBraces},
		{name: "stray close", raw: "long}", want: errUnbalancedBraces},
		{name: "nested", raw: "{lo{ng}", want: errUnbalancedBraces},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTemplate(tc.raw, matrixPrefixVars)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPrefixFormatterFallsBackAndWarnsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	warnings := &templateWarnings{}

	f := newPrefixFormatter(logger, warnings, "meshtastic.prefix_format", "{undefined_var}", "{display5}[{mesh}]: ", meshPrefixVars)
	for i := 0; i < 5; i++ {
		if got := f.Render(map[string]string{"display": "Alice", "mesh": "Net"}); got != "Alice[Net]: " {
			t.Fatalf("expected default render, got %q", got)
		}
	}
	// Same bad template configured twice still warns once.
	newPrefixFormatter(logger, warnings, "matrix.prefix_format", "{undefined_var}", "[{long20}/{mesh}]: ", matrixPrefixVars)

	if n := strings.Count(buf.String(), "invalid prefix template"); n != 1 {
		t.Fatalf("expected exactly one warning, got %d:\n%s", n, buf.String())
	}
}

func TestTruncateBytesNeverSplitsRunes(t *testing.T) {
	body := strings.Repeat("é", 150) // 300 bytes
	got := TruncateBytes(body, 227)
	if len(got) > 227 {
		t.Fatalf("truncated to %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
	if len(got) != 226 {
		t.Fatalf("expected 226 bytes (113 runes), got %d", len(got))
	}

	emoji := "ab" + strings.Repeat("🚀", 10)
	for limit := 0; limit <= len(emoji); limit++ {
		out := TruncateBytes(emoji, limit)
		if len(out) > limit || !utf8.ValidString(out) {
			t.Fatalf("limit %d produced invalid output %q", limit, out)
		}
	}

	if got := TruncateBytes("short", 227); got != "short" {
		t.Fatalf("short strings must be unchanged, got %q", got)
	}
}

func TestStripReplyFallback(t *testing.T) {
	body := "> <@alice:example.org> original line\n> second\n\nactual reply"
	if got := stripReplyFallback(body); got != "actual reply" {
		t.Fatalf("unexpected stripped body %q", got)
	}
	if got := stripReplyFallback("plain > text"); got != "plain > text" {
		t.Fatalf("non-reply body changed: %q", got)
	}
}
