package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/model"
)

var (
	// itemStart matches "1.", "1、", "(1)", "（1）" and "第1题" at the start of a line.
	itemStart   = regexp.MustCompile(`(?m)^[ \t]*(?:第\s*\d+\s*题[.、．:：]?|\d+\s*[.、．]|[(（]\s*\d+\s*[)）])[ \t]*`)
	answerMark  = regexp.MustCompile(`(?i)(?:参考答案|答案|answer)\s*[:：]`)
	pointsMark  = regexp.MustCompile(`[(（]\s*(\d+(?:\.\d+)?)\s*分\s*[)）]`)
	choiceLines = regexp.MustCompile(`(?m)^\s*[A-F]\s*[.、．)）]`)
)

// ParseText splits numbered exam text into questions without a model. An
// answer introduced by "答案：" or "Answer:" on the same or a following line
// becomes the reference answer; a "(5分)" marker becomes the score.
func ParseText(text, label string) []model.Question {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	locs := itemStart.FindAllStringIndex(text, -1)
	var qs []model.Question
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[loc[1]:end]

		stem, answer := body, ""
		if m := answerMark.FindStringIndex(body); m != nil {
			stem, answer = body[:m[0]], body[m[1]:]
		}

		var score float64
		if m := pointsMark.FindStringSubmatch(stem); m != nil {
			score, _ = strconv.ParseFloat(m[1], 64)
			stem = strings.Replace(stem, m[0], "", 1)
		}
		stem = strings.TrimSpace(stem)
		if stem == "" {
			continue
		}

		qtype := model.TypeShortAnswer
		if len(choiceLines.FindAllString(stem, -1)) >= 2 {
			qtype = model.TypeSingleChoice
		}
		qs = append(qs, model.Question{
			ID:           fmt.Sprintf("Q%03d", len(qs)+1),
			Stem:         stem,
			Answer:       strings.TrimSpace(answer),
			QuestionType: qtype,
			Score:        score,
			Tags:         []string{"source:" + label, "score:" + strconv.FormatFloat(score, 'f', -1, 64)},
		})
	}
	return model.NormalizeQuestions(qs)
}
