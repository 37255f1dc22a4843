package grading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/model"
)

func sheetBank() *model.QuestionBank {
	return &model.QuestionBank{Questions: []model.Question{
		{ID: "GEN_001", Answer: "Paris"},
		{ID: "GEN_002", Answer: "first line\nsecond line"},
		{ID: "GEN_003", Answer: "42"},
	}}
}

func TestParseAnswerSheetRoundTrip(t *testing.T) {
	bank := sheetBank()
	sheet := artifact.AnswerSheet("s1", bank, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	got := ParseAnswerSheet(sheet, bank)
	assert.Equal(t, map[string]string{
		"GEN_001": "Paris",
		"GEN_002": "first line\nsecond line",
		"GEN_003": "42",
	}, got)
}

func TestParseAnswerSheetKeyedLines(t *testing.T) {
	text := "# my answers\nQ001: Paris\nQ002：round robin\n  with aging\nQ003:\n"
	got := ParseAnswerSheet(text, nil)
	assert.Equal(t, map[string]string{
		"Q001": "Paris",
		"Q002": "round robin\n  with aging",
		"Q003": "",
	}, got)
}

func TestParseAnswerSheetIgnoresOutOfRangePositions(t *testing.T) {
	text := "1. Paris\n" + artifact.AnswerSeparator + "\n7. nothing\n" + artifact.AnswerSeparator + "\n"
	got := ParseAnswerSheet(text, sheetBank())
	assert.Equal(t, map[string]string{"GEN_001": "Paris"}, got)
}
