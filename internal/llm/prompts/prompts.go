package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// FS is the embedded prompt file system.
var FS fs.FS = templateFS

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Prompt names. Each template file defines "<name>.system" and "<name>.user".
const (
	Extract         = "extract"
	Annotate        = "annotate"
	Generate        = "generate"
	TableAnswer     = "table_answer"
	Translate       = "translate"
	SelfGrade       = "self_grade"
	GradeSubmission = "grade_submission"
	Advise          = "advise"
)

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

var funcs = template.FuncMap{
	"join":    strings.Join,
	"percent": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
	"add":     func(a, b int) int { return a + b },
}

// Load parses the prompt templates from fsys. It uses sync.Once to ensure
// templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		t, err := template.New("prompts").Funcs(funcs).ParseFS(fsys, "templates/*.tmpl")
		if err != nil {
			loadErr = errors.New("failed to parse prompt templates: " + err.Error())
			return
		}
		templates = t
	})
	return loadErr
}

// Render executes the system and user templates of the named prompt. The
// embedded templates are loaded on first use if Load was not called.
func Render(name string, data any) (system, user string, err error) {
	if err := Load(FS); err != nil {
		return "", "", err
	}
	system, err = execute(name+".system", data)
	if err != nil {
		return "", "", err
	}
	user, err = execute(name+".user", data)
	if err != nil {
		return "", "", err
	}
	return system, user, nil
}

func execute(name string, data any) (string, error) {
	tmpl := templates.Lookup(name)
	if tmpl == nil {
		return "", errors.New("unknown prompt template: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ExtractData holds template data for question extraction.
type ExtractData struct {
	Source string
	Text   string
}

// AnnotateData holds template data for knowledge annotation.
type AnnotateData struct {
	Stem   string
	Answer string
}

// Example is a style exemplar shown to the generator.
type Example struct {
	Stem   string
	Answer string
}

// Ratio is one line of a distribution table.
type Ratio struct {
	Label string
	Value float64
}

// GenerateData holds template data for section generation.
type GenerateData struct {
	SectionTitle    string
	Count           int
	QuestionType    string
	KnowledgePoints []string
	Difficulty      string
	DifficultyHint  string
	Language        string
	TypeRatios      []Ratio
	DiffRatios      []Ratio
	Examples        []Example
}

// TableAnswerData holds template data for answering a tabular question.
type TableAnswerData struct {
	Stem     string
	Language string
}

// TranslateData holds template data for translating a question.
type TranslateData struct {
	Language string
	Question string
}

// SelfGradeData holds template data for checking a generated question's answer.
type SelfGradeData struct {
	Stem        string
	Answer      string
	Explanation string
	Language    string
}

// GradeSubmissionData holds template data for grading a learner answer.
type GradeSubmissionData struct {
	Stem      string
	Reference string
	Answer    string
	Language  string
}

// AdviseData holds template data for the remediation plan.
type AdviseData struct {
	Student      string
	AverageScore float64
	Summary      string
	Language     string
}

// SanitizeAnswer strips prompt delimiters a learner might inject and bounds
// the answer length.
func SanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(answer) > 10000 {
		runes := []rune(answer)
		runes = runes[:10000]
		answer = string(runes) + "\n\n[Answer truncated due to length]"
	}

	return answer
}
