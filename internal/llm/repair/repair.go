// Package repair recovers JSON values from chat completion text.
//
// Models wrap JSON in code fences, surround it with prose, embed LaTeX
// backslashes that are not valid JSON escapes and leave trailing commas. Each
// of those failure modes has one strategy; strategies are tried in order and
// the first one that yields a value of the expected kind wins.
package repair

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Kind is the JSON container a caller expects.
type Kind int

const (
	KindArray Kind = iota
	KindObject
)

func (k Kind) delims() (byte, byte) {
	if k == KindObject {
		return '{', '}'
	}
	return '[', ']'
}

func (k Kind) String() string {
	if k == KindObject {
		return "object"
	}
	return "array"
}

// Strategy is one parsing attempt.
type Strategy struct {
	Name  string
	Parse func(text string, kind Kind) (any, bool)
}

// Chain is the ordered list of strategies. Order matters: the cheap, exact
// strategies run first so well-formed input parses exactly as encoding/json.
var Chain = []Strategy{
	{Name: "direct", Parse: Direct},
	{Name: "fenced", Parse: Fenced},
	{Name: "balanced", Parse: Balanced},
	{Name: "latex", Parse: EscapeLatex},
	{Name: "trailing_comma", Parse: StripTrailingCommas},
}

// Parse runs the chain and returns the value and the name of the strategy that
// produced it.
func Parse(text string, kind Kind) (any, string, bool) {
	for _, s := range Chain {
		if v, ok := s.Parse(text, kind); ok {
			return v, s.Name, true
		}
	}
	return nil, "", false
}

// Array recovers a JSON array. It returns nil, false when every strategy fails.
func Array(text string) ([]any, string, bool) {
	v, name, ok := Parse(text, KindArray)
	if !ok {
		return nil, "", false
	}
	return v.([]any), name, true
}

// Object recovers a JSON object.
func Object(text string) (map[string]any, string, bool) {
	v, name, ok := Parse(text, KindObject)
	if !ok {
		return nil, "", false
	}
	return v.(map[string]any), name, true
}

func decode(text string, kind Kind) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case []any:
		return v, kind == KindArray
	case map[string]any:
		return v, kind == KindObject
	}
	return nil, false
}

// Direct parses the whole trimmed text.
func Direct(text string, kind Kind) (any, bool) {
	return decode(strings.TrimSpace(text), kind)
}

var fenceRegex = regexp.MustCompile("(?s)```[a-zA-Z]*[ \t]*\r?\n?(.*?)(?:```|$)")

func fencedContent(text string) (string, bool) {
	m := fenceRegex.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Fenced parses the content of the first fenced code block.
func Fenced(text string, kind Kind) (any, bool) {
	content, ok := fencedContent(text)
	if !ok {
		return nil, false
	}
	return decode(content, kind)
}

// Balanced scans for balanced spans of the expected container, honoring string
// and escape context, and parses the first one that decodes.
func Balanced(text string, kind Kind) (any, bool) {
	open, _ := kind.delims()
	for start := strings.IndexByte(text, open); start >= 0; {
		if span, ok := balancedSpan(text[start:], kind); ok {
			if v, ok := decode(span, kind); ok {
				return v, true
			}
		}
		next := strings.IndexByte(text[start+1:], open)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// balancedSpan returns the prefix of text (which starts with the opening
// delimiter) up to its matching close.
func balancedSpan(text string, kind Kind) (string, bool) {
	open, close := kind.delims()
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[:i+1], true
			}
		}
	}
	return "", false
}

// candidate narrows text to the most likely JSON payload for the rewriting
// strategies: the fenced block if any, then the first balanced span.
func candidate(text string, kind Kind) string {
	if content, ok := fencedContent(text); ok {
		text = content
	}
	text = strings.TrimSpace(text)
	open, _ := kind.delims()
	if start := strings.IndexByte(text, open); start >= 0 {
		if span, ok := balancedSpan(text[start:], kind); ok {
			return span
		}
		return text[start:]
	}
	return text
}

// latexCommands start with a letter that is also a valid JSON escape, so
// "\frac" would otherwise decode as a form feed followed by "rac".
var latexCommands = map[string]bool{
	"bar": true, "begin": true, "beta": true, "bf": true, "bigl": true, "bigr": true,
	"binom": true, "bmod": true, "boldsymbol": true, "bot": true, "boxed": true,
	"forall": true, "frac": true, "frak": true, "flat": true,
	"nabla": true, "ne": true, "neg": true, "neq": true, "newline": true, "ni": true,
	"not": true, "notin": true, "nu": true,
	"rangle": true, "rbrace": true, "rceil": true, "rfloor": true, "rho": true,
	"right": true, "rightarrow": true, "rm": true,
	"tau": true, "text": true, "textbf": true, "textit": true, "tfrac": true,
	"theta": true, "tilde": true, "times": true, "to": true, "top": true, "triangle": true,
}

// EscapeLatex doubles backslashes inside string literals that do not start a
// valid JSON escape, or that start a known LaTeX command, then parses.
func EscapeLatex(text string, kind Kind) (any, bool) {
	return decode(escapeLatex(candidate(text, kind)), kind)
}

func escapeLatex(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 16)
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			sb.WriteByte(c)
			continue
		}
		switch c {
		case '"':
			inString = false
			sb.WriteByte(c)
		case '\\':
			if i+1 >= len(s) {
				sb.WriteString(`\\`)
				continue
			}
			next := s[i+1]
			switch {
			case next == '\\' || next == '"' || next == '/':
				sb.WriteByte(c)
				sb.WriteByte(next)
				i++
			case next == 'u' && isHex4(s[i+2:]):
				sb.WriteByte(c)
			case strings.IndexByte("bfnrt", next) >= 0:
				if latexCommands[letterRun(s[i+1:])] {
					sb.WriteString(`\\`)
				} else {
					sb.WriteByte(c)
				}
			default:
				sb.WriteString(`\\`)
			}
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func letterRun(s string) string {
	n := 0
	for n < len(s) && (s[n] >= 'a' && s[n] <= 'z' || s[n] >= 'A' && s[n] <= 'Z') {
		n++
	}
	return s[:n]
}

func isHex4(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// StripTrailingCommas removes commas directly before a closing bracket or
// brace (outside string literals), on top of the LaTeX escaping, then parses.
func StripTrailingCommas(text string, kind Kind) (any, bool) {
	return decode(stripTrailingCommas(escapeLatex(candidate(text, kind))), kind)
}

func stripTrailingCommas(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			sb.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}
		sb.WriteByte(c)
	}
	return sb.String()
}
