package grading

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/model"
)

var (
	numberedLine = regexp.MustCompile(`^(\d+)\s*[.、)）]\s*(.*)$`)
	keyedLine    = regexp.MustCompile(`^([A-Za-z]+_?\d+)\s*[:：]\s*(.*)$`)
)

// ParseAnswerSheet reads learner answers in either of two text formats and
// returns them keyed by question id:
//
//	<N>. answer
//	---END_OF_ANSWER---
//
// where N is the 1-based position in bank, or one "Q001: answer" line per
// question. When the text contains separators, an answer runs until the next
// separator and may span lines. Lines starting with '#' outside an answer are
// comments.
func ParseAnswerSheet(text string, bank *model.QuestionBank) map[string]string {
	blocks := strings.Contains(text, artifact.AnswerSeparator)
	out := map[string]string{}

	var (
		key  string
		buf  []string
		open bool
	)
	flush := func() {
		if open && key != "" {
			out[key] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
		key, buf, open = "", nil, false
	}

	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == artifact.AnswerSeparator {
			flush()
			continue
		}
		if open && blocks {
			buf = append(buf, line)
			continue
		}
		if k, rest, ok := answerKey(trimmed, bank); ok {
			flush()
			key, buf, open = k, []string{rest}, true
			continue
		}
		if open {
			buf = append(buf, line)
		}
	}
	flush()
	return out
}

func answerKey(line string, bank *model.QuestionBank) (string, string, bool) {
	if m := numberedLine.FindStringSubmatch(line); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > bank.Len() {
			return "", "", false
		}
		return bank.Questions[n-1].ID, m[2], true
	}
	if m := keyedLine.FindStringSubmatch(line); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}
