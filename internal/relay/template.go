package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode"
)

var (
	errUnbalancedBraces = errors.New("unbalanced braces")
	errUnknownVariable  = errors.New("unknown variable")
)

// Variables available to mesh→chat and chat→mesh prefix templates.
var (
	matrixPrefixVars = []string{"long", "short", "mesh", "id"}
	meshPrefixVars   = []string{"display", "user", "username", "server", "mesh", "short"}
)

type templatePart struct {
	literal  string
	variable string
	// limit truncates the variable to that many runes when > 0.
	limit int
}

// Template is a parsed prefix format such as "[{long20}/{mesh}]: ".
type Template struct {
	raw   string
	parts []templatePart
}

// ParseTemplate validates raw against the allowed variable names.
func ParseTemplate(raw string, allowed []string) (*Template, error) {
	known := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		known[name] = struct{}{}
	}

	t := &Template{raw: raw}
	var lit strings.Builder
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case '{':
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("%w at offset %d", errUnbalancedBraces, i)
			}
			token := raw[i+1 : i+1+end]
			if strings.ContainsRune(token, '{') {
				return nil, fmt.Errorf("%w at offset %d", errUnbalancedBraces, i)
			}
			name, limit := splitLimit(token)
			if _, ok := known[name]; !ok {
				return nil, fmt.Errorf("%w {%s}", errUnknownVariable, token)
			}
			if lit.Len() > 0 {
				t.parts = append(t.parts, templatePart{literal: lit.String()})
				lit.Reset()
			}
			t.parts = append(t.parts, templatePart{variable: name, limit: limit})
			i += end + 1
		case '}':
			return nil, fmt.Errorf("%w at offset %d", errUnbalancedBraces, i)
		default:
			lit.WriteByte(raw[i])
		}
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, templatePart{literal: lit.String()})
	}

	return t, nil
}

// splitLimit separates "long20" into ("long", 20).
func splitLimit(token string) (string, int) {
	token = strings.TrimSpace(token)
	cut := len(token)
	for cut > 0 && unicode.IsDigit(rune(token[cut-1])) {
		cut--
	}
	if cut == len(token) || cut == 0 {
		return token, 0
	}
	n, err := strconv.Atoi(token[cut:])
	if err != nil {
		return token, 0
	}

	return token[:cut], n
}

func (t *Template) Render(vars map[string]string) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.variable == "" {
			b.WriteString(p.literal)
			continue
		}
		value := vars[p.variable]
		if p.limit > 0 {
			value = truncateRunes(value, p.limit)
		}
		b.WriteString(value)
	}

	return b.String()
}

func (t *Template) String() string {
	return t.raw
}

// templateWarnings remembers which invalid template strings were reported.
type templateWarnings struct {
	mu     sync.Mutex
	warned map[string]struct{}
}

func (w *templateWarnings) once(raw string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.warned == nil {
		w.warned = make(map[string]struct{})
	}
	if _, seen := w.warned[raw]; seen {
		return false
	}
	w.warned[raw] = struct{}{}

	return true
}

// prefixFormatter renders a configured prefix, falling back to the built-in
// default when the configured template is invalid.
type prefixFormatter struct {
	logger   *slog.Logger
	warnings *templateWarnings
	raw      string
	tpl      *Template
	fallback *Template
}

func newPrefixFormatter(logger *slog.Logger, warnings *templateWarnings, setting, raw, def string, allowed []string) *prefixFormatter {
	fallback, err := ParseTemplate(def, allowed)
	if err != nil {
		panic(fmt.Sprintf("built-in %s template %q is invalid: %v", setting, def, err))
	}
	f := &prefixFormatter{
		logger:   logger,
		warnings: warnings,
		raw:      raw,
		fallback: fallback,
	}
	tpl, err := ParseTemplate(raw, allowed)
	if err != nil {
		f.warnInvalid(setting, err)
		tpl = fallback
	}
	f.tpl = tpl

	return f
}

func (f *prefixFormatter) warnInvalid(setting string, err error) {
	if !f.warnings.once(f.raw) {
		return
	}
	f.logger.Warn("invalid prefix template, using default",
		"setting", setting,
		"template", f.raw,
		"default", f.fallback.String(),
		"error", err,
	)
}

func (f *prefixFormatter) Render(vars map[string]string) string {
	return f.tpl.Render(vars)
}
