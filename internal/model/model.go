// Package model holds the exam data types shared by every pipeline stage.
package model

import (
	"strings"
)

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Valid reports whether d is one of the known difficulty levels.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// ParseDifficulty maps free text (English or Chinese labels) to a Difficulty.
// Anything unrecognized becomes medium.
func ParseDifficulty(s string) Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy", "simple", "简单", "容易", "易":
		return DifficultyEasy
	case "hard", "difficult", "困难", "难", "较难":
		return DifficultyHard
	default:
		return DifficultyMedium
	}
}

// Recommended question type vocabulary. Question types are free text, these
// are the values prompts ask for and defaults fall back to.
const (
	TypeSingleChoice   = "single_choice"
	TypeMultipleChoice = "multiple_choice"
	TypeShortAnswer    = "short_answer"
	TypeCalculation    = "calculation"
	TypeEssay          = "essay"
	TypeProgramming    = "programming"
	TypeOther          = "other"
)

// Placeholder values. They match what earlier banks on disk contain, so they
// stay byte-for-byte stable.
const (
	AnswerPlaceholder     = "（待补充）"
	DefaultKnowledgePoint = "通用知识"
	UnknownType           = "unknown"
)

// IsPlaceholderAnswer reports whether an answer still needs to be filled in.
func IsPlaceholderAnswer(answer string) bool {
	switch strings.TrimSpace(answer) {
	case "", AnswerPlaceholder, "(待补充)", "待补充":
		return true
	}
	return false
}

// Language is the natural language of a question.
type Language string

const (
	LanguageChinese Language = "Chinese"
	LanguageEnglish Language = "English"
)

// ParseLanguage accepts "zh", "Chinese", "中文" and friends; everything else is English.
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "zh", "zh-cn", "cn", "chinese", "中文":
		return LanguageChinese
	default:
		return LanguageEnglish
	}
}

// Variant names a snapshot of a question bank at a pipeline stage.
type Variant string

const (
	VariantOriginal  Variant = ""
	VariantGenerated Variant = "_generated"
	VariantCorrected Variant = "_corrected"
	VariantGraded    Variant = "_graded"
)

// Question is a node in a question tree. Sub-questions share the same shape.
type Question struct {
	ID              string         `json:"id"`
	Label           string         `json:"label,omitempty"`
	Stem            string         `json:"stem"`
	Answer          string         `json:"answer"`
	Explanation     string         `json:"explanation,omitempty"`
	Difficulty      Difficulty     `json:"difficulty"`
	KnowledgePoints []string       `json:"knowledge_points"`
	QuestionType    string         `json:"question_type"`
	Score           float64        `json:"score,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	SubQuestions    []Question     `json:"sub_questions,omitempty"`
	Extensions      map[string]any `json:"extensions,omitempty"`
}

// SetExtension attaches auxiliary data, e.g. grading results.
func (q *Question) SetExtension(key string, value any) {
	if q.Extensions == nil {
		q.Extensions = make(map[string]any)
	}
	q.Extensions[key] = value
}

// NormalizeQuestions drops questions (at any depth) whose stem is blank and
// fills in the default difficulty, knowledge points, type and answer.
func NormalizeQuestions(qs []Question) []Question {
	out := make([]Question, 0, len(qs))
	for _, q := range qs {
		q.Stem = strings.TrimSpace(q.Stem)
		if q.Stem == "" {
			continue
		}
		if !q.Difficulty.Valid() {
			q.Difficulty = ParseDifficulty(string(q.Difficulty))
		}
		q.KnowledgePoints = cleanKnowledgePoints(q.KnowledgePoints)
		if strings.TrimSpace(q.QuestionType) == "" {
			q.QuestionType = TypeShortAnswer
		}
		if strings.TrimSpace(q.Answer) == "" {
			q.Answer = AnswerPlaceholder
		}
		if len(q.SubQuestions) > 0 {
			q.SubQuestions = NormalizeQuestions(q.SubQuestions)
			if len(q.SubQuestions) == 0 {
				q.SubQuestions = nil
			}
		}
		out = append(out, q)
	}
	return out
}

func cleanKnowledgePoints(kps []string) []string {
	var out []string
	seen := make(map[string]bool, len(kps))
	for _, kp := range kps {
		kp = strings.TrimSpace(kp)
		if kp == "" || seen[kp] {
			continue
		}
		seen[kp] = true
		out = append(out, kp)
	}
	if len(out) == 0 {
		return []string{DefaultKnowledgePoint}
	}
	return out
}

// QuestionBank is an ordered collection of top-level questions.
type QuestionBank struct {
	SessionID string     `json:"session_id"`
	Questions []Question `json:"questions"`
	Sources   []string   `json:"sources,omitempty"`
}

// Len returns the number of top-level questions.
func (b *QuestionBank) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Questions)
}

// Flatten walks the tree in pre-order and returns every node as a standalone
// record without children.
func (b *QuestionBank) Flatten() []Question {
	if b == nil {
		return nil
	}
	var out []Question
	var walk func(qs []Question)
	walk = func(qs []Question) {
		for _, q := range qs {
			children := q.SubQuestions
			q.SubQuestions = nil
			out = append(out, q)
			walk(children)
		}
	}
	walk(b.Questions)
	return out
}

// Find returns the top-level question with the given id.
func (b *QuestionBank) Find(id string) (Question, bool) {
	if b == nil {
		return Question{}, false
	}
	for _, q := range b.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// DistributionModel holds normalized category frequencies over a bank.
type DistributionModel struct {
	SessionID                  string             `json:"session_id"`
	TotalQuestions             int                `json:"total_questions"`
	TypeDistribution           map[string]float64 `json:"type_distribution"`
	DifficultyDistribution     map[string]float64 `json:"difficulty_distribution"`
	KnowledgePointDistribution map[string]float64 `json:"knowledge_point_distribution"`
}

// KnowledgePoints returns the distinct knowledge points of the model.
func (d *DistributionModel) KnowledgePoints() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.KnowledgePointDistribution))
	for kp := range d.KnowledgePointDistribution {
		out = append(out, kp)
	}
	return out
}

// IndexRange is an inclusive, 1-based range of question positions.
type IndexRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Len returns the number of positions in the range.
func (r IndexRange) Len() int {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// Section describes one part of an exam layout.
type Section struct {
	Title                   string       `json:"title"`
	Ranges                  []IndexRange `json:"question_ranges"`
	Points                  float64      `json:"score,omitempty"`
	ExpectedKnowledgePoints []string     `json:"expected_kps,omitempty"`
	DifficultyHint          string       `json:"target_difficulty_hint,omitempty"`
	Language                Language     `json:"expected_language,omitempty"`
}

// ExpectedCount is the number of questions the section asks for.
func (s Section) ExpectedCount() int {
	n := 0
	for _, r := range s.Ranges {
		n += r.Len()
	}
	return n
}

// ExpectedType derives the question type encoded in titles like "Short Answer
// Section". Other titles encode no type and yield "".
func (s Section) ExpectedType() string {
	t := strings.TrimSpace(s.Title)
	if !strings.HasSuffix(t, " Section") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(t, " Section"))
}

// SectionTemplate is an inferred exam layout.
type SectionTemplate struct {
	Path     string    `json:"path"`
	Sections []Section `json:"sections"`
}

// TotalCount sums the expected counts of all sections.
func (t *SectionTemplate) TotalCount() int {
	if t == nil {
		return 0
	}
	n := 0
	for _, s := range t.Sections {
		n += s.ExpectedCount()
	}
	return n
}
