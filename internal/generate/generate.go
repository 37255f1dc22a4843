// Package generate writes a new exam section by section from the inferred
// layout, the distribution model and the template questions.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/distribution"
	"github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/markup"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
	"github.com/pavelanni/examforge/internal/structure"
)

const (
	maxPromptExamples = 3
	maxPromptKPs      = 5
)

var (
	errNoModel     = errors.New("no model configured")
	errNoQuestions = errors.New("no questions in response")
	errNoAnswer    = errors.New("no answer in response")
)

// Stage generates all sections concurrently.
type Stage struct {
	llm          llm.Completer
	artifacts    *artifact.Store
	concurrency  int
	policy       llm.Policy
	params       llm.Params
	answerParams llm.Params
}

// Option configures a Stage.
type Option func(*Stage)

// WithConcurrency bounds the number of sections generated at once.
func WithConcurrency(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPolicy overrides the per-call retry policy.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// New creates the stage. c may be nil, in which case every section falls
// back to its examples or placeholders.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:         c,
		artifacts:   artifacts,
		concurrency: 4,
		policy:      llm.Policy{Attempts: 1},
		params: llm.Params{
			Purpose:     "generate",
			Temperature: 0.6,
			MaxTokens:   3200,
			TopP:        0.95,
			Timeout:     240 * time.Second,
		},
		answerParams: llm.Params{
			Purpose:     "table_answer",
			Temperature: 0.3,
			MaxTokens:   2000,
			Timeout:     300 * time.Second,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// input is what every section call shares.
type input struct {
	template   *model.QuestionBank
	dist       *model.DistributionModel
	difficulty model.Difficulty
}

type sectionResult struct {
	questions []model.Question
	reason    string
}

// Run generates the exam for the session's layout. Missing upstream state is
// rebuilt from what the session has, so the stage always yields a bank.
func (s *Stage) Run(ctx context.Context, sess *state.Session) outcome.Outcome[*model.QuestionBank] {
	var notes outcome.Notes
	in := input{}
	in.template, _ = sess.QuestionBank(ctx)

	var ok bool
	if in.dist, ok = sess.Distribution(ctx); !ok {
		in.dist = distribution.Build(sess.ID(), in.template)
		notes.Add("no distribution model, rebuilt from the question bank")
	}
	tmpl, ok := sess.SampleStructure(ctx)
	if !ok || len(tmpl.Sections) == 0 {
		text, _ := sess.SourceText(ctx)
		tmpl = structure.Infer(in.template, text, in.dist)
		notes.Add(fmt.Sprintf("no sample structure, inferred %s layout", tmpl.Path))
	}
	in.difficulty = GlobalDifficulty(in.template)

	results := make([]sectionResult, len(tmpl.Sections))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, sec := range tmpl.Sections {
		g.Go(func() error {
			qs, reason := s.section(ctx, sec, in)
			results[i] = sectionResult{questions: qs, reason: reason}
			return nil
		})
	}
	_ = g.Wait()

	bank := &model.QuestionBank{SessionID: sess.ID()}
	for i, r := range results {
		if r.reason != "" {
			notes.Add(fmt.Sprintf("section %d (%s): %s", i+1, tmpl.Sections[i].Title, r.reason))
		}
		for _, q := range r.questions {
			q.ID = fmt.Sprintf("GEN_%03d", len(bank.Questions)+1)
			bank.Questions = append(bank.Questions, q)
		}
	}

	sess.SetGeneratedExam(ctx, bank)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveBank(sess.ID(), model.VariantGenerated, bank); err != nil {
			notes.Add(fmt.Sprintf("save generated bank: %v", err))
		}
	}
	slog.Info("generated exam", "session", sess.ID(), "sections", len(tmpl.Sections),
		"questions", bank.Len(), "expected", tmpl.TotalCount())
	return outcome.Degraded(bank, notes...)
}

// section generates one section. It returns exactly the expected count of
// questions on failure, and at most that many on success.
func (s *Stage) section(ctx context.Context, sec model.Section, in input) ([]model.Question, string) {
	count := sec.ExpectedCount()
	examples := SectionExamples(in.template, sec)
	lang := sectionLanguage(sec, examples)

	if s.llm == nil {
		return Fallback(sec, examples, count, in.difficulty, lang), errNoModel.Error()
	}

	system, user, err := prompts.Render(prompts.Generate, s.promptData(sec, in, examples, count, lang))
	if err != nil {
		return Fallback(sec, examples, count, in.difficulty, lang), err.Error()
	}
	qs, err := llm.Retry(ctx, s.policy, func(ctx context.Context, attempt int) ([]model.Question, error) {
		items, err := llm.CompleteArray(ctx, s.llm, system, user, s.params)
		if err != nil {
			return nil, err
		}
		qs := model.NormalizeQuestions(schema.Questions(items).Value)
		if len(qs) == 0 {
			return nil, errNoQuestions
		}
		return qs, nil
	})
	if err != nil {
		slog.Warn("section generation failed, using fallback", "section", sec.Title, "class", llm.ErrorClass(err), "error", err)
		return Fallback(sec, examples, count, in.difficulty, lang), "fallback after " + llm.ErrorClass(err)
	}

	// Excess is cut; a short section is accepted as it is.
	if count > 0 && len(qs) > count {
		qs = qs[:count]
	}
	for i := range qs {
		tablesToHTML(&qs[i])
		if markup.HasHTMLTable(qs[i].Stem) && model.IsPlaceholderAnswer(qs[i].Answer) {
			s.answerTable(ctx, &qs[i], lang)
		}
	}
	return qs, ""
}

func (s *Stage) promptData(sec model.Section, in input, examples []model.Question, count int, lang model.Language) prompts.GenerateData {
	data := prompts.GenerateData{
		SectionTitle:    sec.Title,
		Count:           count,
		QuestionType:    sec.ExpectedType(),
		KnowledgePoints: sec.ExpectedKnowledgePoints,
		Difficulty:      string(in.difficulty),
		DifficultyHint:  sec.DifficultyHint,
		Language:        string(lang),
	}
	if data.DifficultyHint == "" {
		data.DifficultyHint = structure.DifficultyHint
	}
	if in.dist != nil {
		for _, e := range distribution.Sorted(in.dist.TypeDistribution) {
			data.TypeRatios = append(data.TypeRatios, prompts.Ratio{Label: e.Label, Value: e.Value})
		}
		for _, e := range distribution.Sorted(in.dist.DifficultyDistribution) {
			data.DiffRatios = append(data.DiffRatios, prompts.Ratio{Label: e.Label, Value: e.Value})
		}
		if len(data.KnowledgePoints) == 0 {
			for _, e := range distribution.Sorted(in.dist.KnowledgePointDistribution) {
				if len(data.KnowledgePoints) == maxPromptKPs {
					break
				}
				data.KnowledgePoints = append(data.KnowledgePoints, e.Label)
			}
		}
	}
	for _, ex := range examples {
		if len(data.Examples) == maxPromptExamples {
			break
		}
		data.Examples = append(data.Examples, prompts.Example{
			Stem:   markup.HTMLTablesToMarkdown(ex.Stem),
			Answer: ex.Answer,
		})
	}
	return data
}

// answerTable asks for the answer of a question whose stem holds a table.
// Failures leave the placeholder in place.
func (s *Stage) answerTable(ctx context.Context, q *model.Question, lang model.Language) {
	system, user, err := prompts.Render(prompts.TableAnswer, prompts.TableAnswerData{
		Stem:     markup.HTMLTablesToMarkdown(q.Stem),
		Language: string(lang),
	})
	if err != nil {
		return
	}
	v, err := llm.Retry(ctx, s.policy, func(ctx context.Context, _ int) (schema.AnswerValue, error) {
		m, err := llm.CompleteObject(ctx, s.llm, system, user, s.answerParams)
		if err != nil {
			return schema.AnswerValue{}, err
		}
		r, ok := schema.DecodeAnswer(m)
		if !ok {
			return schema.AnswerValue{}, errNoAnswer
		}
		return r.Value, nil
	})
	if err != nil {
		slog.Warn("table answer failed", "class", llm.ErrorClass(err))
		return
	}
	q.Answer = markup.MarkdownTablesToHTML(v.Answer)
	if v.Explanation != "" {
		q.Explanation = markup.MarkdownTablesToHTML(v.Explanation)
	}
}

func tablesToHTML(q *model.Question) {
	q.Stem = markup.MarkdownTablesToHTML(q.Stem)
	q.Answer = markup.MarkdownTablesToHTML(q.Answer)
	q.Explanation = markup.MarkdownTablesToHTML(q.Explanation)
	for i := range q.SubQuestions {
		tablesToHTML(&q.SubQuestions[i])
	}
}

// SectionExamples returns the template questions at the section's positions.
func SectionExamples(bank *model.QuestionBank, sec model.Section) []model.Question {
	if bank.Len() == 0 {
		return nil
	}
	var out []model.Question
	for _, r := range sec.Ranges {
		for i := r.From; i <= r.To; i++ {
			if i >= 1 && i <= len(bank.Questions) {
				out = append(out, bank.Questions[i-1])
			}
		}
	}
	return out
}

// Fallback reuses the section's examples and pads with placeholders so the
// section yields exactly count questions (at least one).
func Fallback(sec model.Section, examples []model.Question, count int, difficulty model.Difficulty, lang model.Language) []model.Question {
	n := max(count, 1)
	out := make([]model.Question, 0, n)
	for _, ex := range examples {
		if len(out) == n {
			break
		}
		ex.Difficulty = difficulty
		out = append(out, ex)
	}

	topic := i18n.Text(lang, "FallbackTopic", nil)
	kps := []string{model.DefaultKnowledgePoint}
	if len(sec.ExpectedKnowledgePoints) > 0 {
		topic = sec.ExpectedKnowledgePoints[0]
		kps = []string{topic}
	}
	for len(out) < n {
		out = append(out, model.Question{
			Stem:            i18n.Text(lang, "FallbackStem", map[string]any{"Topic": topic}),
			Answer:          i18n.Text(lang, "FallbackAnswer", nil),
			Explanation:     i18n.Text(lang, "FallbackExplanation", nil),
			Difficulty:      difficulty,
			KnowledgePoints: append([]string(nil), kps...),
			QuestionType:    model.TypeShortAnswer,
		})
	}
	return model.NormalizeQuestions(out)
}

// GlobalDifficulty is the most frequent difficulty of the template's
// top-level questions; ties prefer medium, then hard.
func GlobalDifficulty(bank *model.QuestionBank) model.Difficulty {
	counts := map[model.Difficulty]int{}
	if bank != nil {
		for _, q := range bank.Questions {
			if q.Difficulty.Valid() {
				counts[q.Difficulty]++
			}
		}
	}
	best := model.DifficultyMedium
	for _, d := range []model.Difficulty{model.DifficultyMedium, model.DifficultyHard, model.DifficultyEasy} {
		if counts[d] > counts[best] {
			best = d
		}
	}
	return best
}

func sectionLanguage(sec model.Section, examples []model.Question) model.Language {
	if sec.Language != "" {
		return sec.Language
	}
	if len(examples) > 0 {
		return structure.LanguageOf(examples[0].Stem)
	}
	return model.LanguageEnglish
}
