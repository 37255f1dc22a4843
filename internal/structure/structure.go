// Package structure infers the section layout of the exam to generate.
//
// Layouts come from the first source that yields sections:
//
//  1. the template bank, one section per top-level question;
//  2. section headers, question ranges and points found in the sample text;
//  3. the type ratios of the distribution model;
//  4. a fixed three-section layout.
package structure

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/distribution"
	"github.com/pavelanni/examforge/internal/markup"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/state"
)

// Path records which source produced a layout.
type Path string

const (
	PathTemplate     Path = "template"
	PathHeaders      Path = "headers"
	PathDistribution Path = "distribution"
	PathStatic       Path = "static"
)

// DifficultyHint asks generated questions to match the template's level.
const DifficultyHint = "保持与样例相同层级，但在深度与综合性上提高"

const (
	unknownSectionTitle = "未知部分"
	defaultTotal        = 10
)

// typeTitles renders Chinese type names in English so section titles do not
// mix languages.
var typeTitles = map[string]string{
	"简答题":   "Short Answer",
	"综合题":   "Comprehensive",
	"综合分析题": "Comprehensive",
	"算法应用题": "Applied Algorithms",
	"计算题":   "Problem Solving",
}

// TitleFor returns the section title for a question type.
func TitleFor(questionType string) string {
	t := strings.TrimSpace(questionType)
	if t == "" {
		t = model.TypeShortAnswer
	}
	if en, ok := typeTitles[t]; ok {
		return en + " Section"
	}
	if markup.HasCJK(t) {
		return "General"
	}
	return t + " Section"
}

// LanguageOf detects the language of a stem: any CJK character means Chinese.
func LanguageOf(stem string) model.Language {
	if markup.HasCJK(stem) {
		return model.LanguageChinese
	}
	return model.LanguageEnglish
}

// FromTemplate mirrors the bank question for question.
func FromTemplate(bank *model.QuestionBank) []model.Section {
	if bank.Len() == 0 {
		return nil
	}
	sections := make([]model.Section, 0, bank.Len())
	for i, q := range bank.Questions {
		sections = append(sections, model.Section{
			Title:                   TitleFor(q.QuestionType),
			Ranges:                  []model.IndexRange{{From: i + 1, To: i + 1}},
			ExpectedKnowledgePoints: append([]string(nil), q.KnowledgePoints...),
			DifficultyHint:          DifficultyHint,
			Language:                LanguageOf(q.Stem),
		})
	}
	return sections
}

var (
	sectionHeader = regexp.MustCompile(`(?i)(第[一二三四五六七八九十]+部分|Section\s+\d+|Part\s+\d+)`)
	questionRange = regexp.MustCompile(`(\d+)[\-~–—](\d+)\s*题?`)
	singleNumber  = regexp.MustCompile(`^(\d+)\.`)
	pointValue    = regexp.MustCompile(`(\d+)\s*分`)
	kindWords     = []string{"选择题", "简答题", "编程题", "判断题"}
)

func isHeader(line string) bool {
	if sectionHeader.MatchString(line) {
		return true
	}
	for _, w := range kindWords {
		if strings.Contains(line, w) {
			return true
		}
	}
	return false
}

// ParseHeaders scans sample text for section headers, question ranges
// ("1-10题"), single numbered questions ("3.") and point values ("2分").
// Sections that end up without any question range are dropped.
func ParseHeaders(text string) []model.Section {
	var sections []model.Section
	var cur *model.Section
	flush := func() {
		if cur != nil && len(cur.Ranges) > 0 {
			sections = append(sections, *cur)
		}
		cur = nil
	}
	ensure := func() {
		if cur == nil {
			cur = &model.Section{Title: unknownSectionTitle}
		}
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if isHeader(line) {
			flush()
			cur = &model.Section{Title: line}
		}

		if m := questionRange.FindStringSubmatch(line); m != nil {
			from, _ := strconv.Atoi(m[1])
			to, _ := strconv.Atoi(m[2])
			if from > 0 && to >= from {
				ensure()
				cur.Ranges = append(cur.Ranges, model.IndexRange{From: from, To: to})
			}
		} else if m := singleNumber.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[1])
			if n > 0 {
				ensure()
				cur.Ranges = append(cur.Ranges, model.IndexRange{From: n, To: n})
			}
		}

		if m := pointValue.FindStringSubmatch(line); m != nil {
			ensure()
			cur.Points, _ = strconv.ParseFloat(m[1], 64)
		}
	}
	flush()
	return sections
}

// FromDistribution partitions the model's total question count across its
// type ratios in contiguous ranges, at least one question per type. Types are
// ordered by descending ratio, then name.
func FromDistribution(dm *model.DistributionModel) []model.Section {
	if dm == nil || len(dm.TypeDistribution) == 0 {
		return nil
	}
	total := dm.TotalQuestions
	if total <= 0 {
		total = defaultTotal
	}
	var sections []model.Section
	start := 1
	for _, e := range distribution.Sorted(dm.TypeDistribution) {
		// The epsilon keeps 10 × 0.6 from flooring to 5.
		count := max(1, int(math.Floor(float64(total)*e.Value+1e-9)))
		end := start + count - 1
		sections = append(sections, model.Section{
			Title:  e.Label + " Section",
			Ranges: []model.IndexRange{{From: start, To: end}},
		})
		start = end + 1
	}
	return sections
}

// Static is the layout of last resort.
func Static() []model.Section {
	return []model.Section{
		{Title: "Multiple Choice Section", Ranges: []model.IndexRange{{From: 1, To: 10}}, Points: 2},
		{Title: "Short Answer Section", Ranges: []model.IndexRange{{From: 11, To: 15}}, Points: 6},
		{Title: "Programming Section", Ranges: []model.IndexRange{{From: 16, To: 18}}, Points: 10},
	}
}

// Infer tries the layout sources in priority order. It never returns an
// empty layout.
func Infer(bank *model.QuestionBank, sampleText string, dm *model.DistributionModel) *model.SectionTemplate {
	if s := FromTemplate(bank); len(s) > 0 {
		return &model.SectionTemplate{Path: string(PathTemplate), Sections: s}
	}
	if s := ParseHeaders(sampleText); len(s) > 0 {
		return &model.SectionTemplate{Path: string(PathHeaders), Sections: s}
	}
	if s := FromDistribution(dm); len(s) > 0 {
		return &model.SectionTemplate{Path: string(PathDistribution), Sections: s}
	}
	return &model.SectionTemplate{Path: string(PathStatic), Sections: Static()}
}

// Stage stores the inferred layout of a session.
type Stage struct {
	artifacts *artifact.Store
}

// New creates the stage. artifacts may be nil.
func New(artifacts *artifact.Store) *Stage {
	return &Stage{artifacts: artifacts}
}

// Run infers the layout from the session's bank, source text and
// distribution model. Sections without a detected language get lang.
func (s *Stage) Run(ctx context.Context, sess *state.Session, lang model.Language) outcome.Outcome[*model.SectionTemplate] {
	bank, _ := sess.QuestionBank(ctx)
	text, _ := sess.SourceText(ctx)
	dm, _ := sess.Distribution(ctx)

	tmpl := Infer(bank, text, dm)
	if lang != "" {
		for i := range tmpl.Sections {
			if tmpl.Sections[i].Language == "" {
				tmpl.Sections[i].Language = lang
			}
		}
	}

	var notes outcome.Notes
	switch Path(tmpl.Path) {
	case PathDistribution:
		notes.Add("no template bank or section headers, layout follows the type distribution")
	case PathStatic:
		notes.Add("no template bank, section headers or distribution, using the static layout")
	}

	sess.SetSampleStructure(ctx, tmpl)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveReport(sess.ID(), model.VariantOriginal, artifact.ReportSampleStructure, tmpl); err != nil {
			notes.Add(fmt.Sprintf("save sample structure: %v", err))
		}
	}
	slog.Info("inferred exam structure", "session", sess.ID(), "path", tmpl.Path,
		"sections", len(tmpl.Sections), "questions", tmpl.TotalCount())
	return outcome.Degraded(tmpl, notes...)
}
