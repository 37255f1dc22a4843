// Package grading scores answers with the model: the reference answers of a
// generated exam (self-check) and learner submissions against them.
package grading

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"maps"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sourcegraph/conc/iter"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
)

const (
	// MasteryThreshold is the ratio below which a knowledge point is recommended for review.
	MasteryThreshold = 0.6

	minReferenceRunes = 5
	reviewScore       = 30
	partialScore      = 80
)

var (
	errNoModel   = errors.New("no model configured")
	errNoVerdict = errors.New("no score in response")
)

// Indexer records saved submissions, e.g. in the SQLite store.
type Indexer interface {
	IndexSubmission(ctx context.Context, sub model.SubmissionSummary) error
}

// Stage grades generated exams and learner submissions.
type Stage struct {
	llm         llm.Completer
	artifacts   *artifact.Store
	index       Indexer
	concurrency int
	policy      llm.Policy
	selfParams  llm.Params
	gradeParams llm.Params
	sanitizer   *bluemonday.Policy
	now         func() time.Time
}

// Option configures a Stage.
type Option func(*Stage)

// WithIndexer records every saved submission in ix.
func WithIndexer(ix Indexer) Option {
	return func(s *Stage) { s.index = ix }
}

// WithConcurrency bounds the number of answers graded at once.
func WithConcurrency(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPolicy overrides the per-answer retry policy.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// WithClock sets the time source for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Stage) { s.now = now }
}

// New creates the stage. With a nil c every answer is graded heuristically.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:         c,
		artifacts:   artifacts,
		concurrency: 4,
		policy:      llm.Policy{Attempts: 2, Backoff: llm.FixedBackoff(time.Second)},
		selfParams: llm.Params{
			Purpose:     "self_grade",
			Temperature: 0,
			MaxTokens:   600,
			Timeout:     120 * time.Second,
			JSONObject:  true,
		},
		gradeParams: llm.Params{
			Purpose:     "grade_submission",
			Temperature: 0,
			MaxTokens:   400,
			Timeout:     120 * time.Second,
			JSONObject:  true,
		},
		sanitizer: bluemonday.StrictPolicy(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ExamBank returns the exam to grade: the session's generated exam, else the
// corrected or generated bank on disk.
func (s *Stage) ExamBank(ctx context.Context, sess *state.Session) (*model.QuestionBank, error) {
	if b, ok := sess.GeneratedExam(ctx); ok && b.Len() > 0 {
		return b, nil
	}
	if s.artifacts != nil {
		for _, v := range []model.Variant{model.VariantCorrected, model.VariantGenerated} {
			b, err := s.artifacts.LoadBank(sess.ID(), v)
			if err == nil && b.Len() > 0 {
				return b, nil
			}
		}
	}
	return nil, fmt.Errorf("grading: generated exam: %w", state.ErrMissing)
}

// SelfGrade judges the reference answer of every generated question. The
// verdicts are attached to the questions and the graded bank is saved.
func (s *Stage) SelfGrade(ctx context.Context, sess *state.Session, lang model.Language) outcome.Outcome[*model.GradingReport] {
	bank, err := s.ExamBank(ctx, sess)
	if err != nil {
		return outcome.Failed[*model.GradingReport](err)
	}

	records := iter.Mapper[model.Question, model.GradeRecord]{MaxGoroutines: s.concurrency}.Map(bank.Questions,
		func(q *model.Question) model.GradeRecord {
			return s.selfGradeOne(ctx, *q, lang)
		})

	graded := &model.QuestionBank{SessionID: sess.ID(), Sources: bank.Sources}
	for i, q := range bank.Questions {
		r := records[i]
		q.Extensions = maps.Clone(q.Extensions)
		q.SetExtension("grade", r.Score)
		q.SetExtension("grade_feedback", r.Feedback)
		q.SetExtension("grade_issues", r.Issues)
		q.SetExtension("grade_suggestion", r.Suggestion)
		graded.Questions = append(graded.Questions, q)
	}

	report := &model.GradingReport{
		ID:        uuid.NewString(),
		SessionID: sess.ID(),
		Kind:      model.ReportSelfCheck,
		GradedAt:  s.now(),
		Records:   records,
	}
	Aggregate(report, lang)

	var notes outcome.Notes
	if report.FallbackCount > 0 {
		notes.Add(fmt.Sprintf("%d of %d question(s) graded heuristically", report.FallbackCount, len(records)))
	}
	sess.SetGeneratedExam(ctx, graded)
	sess.SetGradingReport(ctx, report)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveBank(sess.ID(), model.VariantGraded, graded); err != nil {
			notes.Add(fmt.Sprintf("save graded bank: %v", err))
		}
		if _, err := s.artifacts.SaveReport(sess.ID(), model.VariantGraded, artifact.ReportGrade, report); err != nil {
			notes.Add(fmt.Sprintf("save grade report: %v", err))
		}
	}
	slog.Info("self-check graded", "session", sess.ID(), "questions", len(records),
		"average", report.AverageScore, "fallbacks", report.FallbackCount)
	return outcome.Degraded(report, notes...)
}

func (s *Stage) selfGradeOne(ctx context.Context, q model.Question, lang model.Language) model.GradeRecord {
	rec := model.GradeRecord{
		QuestionID:      q.ID,
		Stem:            q.Stem,
		QuestionType:    q.QuestionType,
		KnowledgePoints: q.KnowledgePoints,
		Answer:          q.Answer,
	}
	v, err := s.verdict(ctx, prompts.SelfGrade, prompts.SelfGradeData{
		Stem:        q.Stem,
		Answer:      q.Answer,
		Explanation: q.Explanation,
		Language:    string(lang),
	}, s.selfParams)
	if err != nil {
		slog.Warn("self-grade failed, using heuristic", "question", q.ID, "class", llm.ErrorClass(err))
		v = SelfHeuristic(q.Answer, lang)
		rec.Fallback = true
	}
	return apply(rec, v)
}

// Grade scores a learner's answers, keyed by question id, against the
// session's exam. Questions without an answer score zero.
func (s *Stage) Grade(ctx context.Context, sess *state.Session, student string, answers map[string]string, lang model.Language) outcome.Outcome[*model.GradingReport] {
	bank, err := s.ExamBank(ctx, sess)
	if err != nil {
		return outcome.Failed[*model.GradingReport](err)
	}

	var notes outcome.Notes
	unknown := 0
	for id := range answers {
		if _, ok := bank.Find(id); !ok {
			unknown++
		}
	}
	if unknown > 0 {
		notes.Add(fmt.Sprintf("%d answer(s) for unknown questions ignored", unknown))
	}

	records := iter.Mapper[model.Question, model.GradeRecord]{MaxGoroutines: s.concurrency}.Map(bank.Questions,
		func(q *model.Question) model.GradeRecord {
			return s.gradeOne(ctx, *q, answers[q.ID], lang)
		})

	report := &model.GradingReport{
		ID:        uuid.NewString(),
		SessionID: sess.ID(),
		Student:   strings.TrimSpace(student),
		Kind:      model.ReportSubmission,
		GradedAt:  s.now(),
		Records:   records,
	}
	Aggregate(report, lang)
	if report.FallbackCount > 0 {
		notes.Add(fmt.Sprintf("%d of %d answer(s) graded heuristically", report.FallbackCount, len(records)))
	}

	sess.SetGradingReport(ctx, report)
	if s.artifacts != nil {
		path, err := s.artifacts.SaveSubmission(sess.ID(), report)
		if err != nil {
			notes.Add(fmt.Sprintf("save submission: %v", err))
		} else if s.index != nil {
			if err := s.index.IndexSubmission(ctx, Summarize(report, path)); err != nil {
				notes.Add(fmt.Sprintf("index submission: %v", err))
			}
		}
	}
	slog.Info("submission graded", "session", sess.ID(), "student", report.Student,
		"questions", len(records), "average", report.AverageScore, "fallbacks", report.FallbackCount)
	return outcome.Degraded(report, notes...)
}

func (s *Stage) gradeOne(ctx context.Context, q model.Question, answer string, lang model.Language) model.GradeRecord {
	rec := model.GradeRecord{
		QuestionID:      q.ID,
		Stem:            q.Stem,
		QuestionType:    q.QuestionType,
		KnowledgePoints: q.KnowledgePoints,
		Answer:          answer,
		Reference:       q.Answer,
	}
	// A blank answer is never sent to the model.
	if strings.TrimSpace(answer) == "" {
		return apply(rec, Heuristic(answer, q.Answer, lang))
	}

	v, err := s.verdict(ctx, prompts.GradeSubmission, prompts.GradeSubmissionData{
		Stem:      q.Stem,
		Reference: q.Answer,
		Answer:    s.clean(answer),
		Language:  string(lang),
	}, s.gradeParams)
	if err != nil {
		slog.Warn("grading failed, using heuristic", "question", q.ID, "class", llm.ErrorClass(err))
		v = Heuristic(answer, q.Answer, lang)
		rec.Fallback = true
	}
	return apply(rec, v)
}

// clean strips markup from learner text and the prompt delimiters it could
// use to escape its block.
func (s *Stage) clean(answer string) string {
	return prompts.SanitizeAnswer(html.UnescapeString(s.sanitizer.Sanitize(answer)))
}

func (s *Stage) verdict(ctx context.Context, name string, data any, p llm.Params) (schema.Verdict, error) {
	if s.llm == nil {
		return schema.Verdict{}, errNoModel
	}
	system, user, err := prompts.Render(name, data)
	if err != nil {
		return schema.Verdict{}, err
	}
	return llm.Retry(ctx, s.policy, func(ctx context.Context, _ int) (schema.Verdict, error) {
		m, err := llm.CompleteObject(ctx, s.llm, system, user, p)
		if err != nil {
			return schema.Verdict{}, err
		}
		r, ok := schema.DecodeVerdict(m)
		if !ok {
			return schema.Verdict{}, errNoVerdict
		}
		return r.Value, nil
	})
}

func apply(rec model.GradeRecord, v schema.Verdict) model.GradeRecord {
	rec.Score = v.Score
	rec.Feedback = v.Feedback
	rec.Issues = v.Issues
	if rec.Issues == nil {
		rec.Issues = []string{}
	}
	rec.Suggestion = v.Suggestion
	return rec
}

// Heuristic grades a learner answer without the model: blank is 0, an exact
// match is 100, containment either way is 80, anything else is 0. Comparison
// ignores case and surrounding space.
func Heuristic(answer, reference string, lang model.Language) schema.Verdict {
	a := strings.ToLower(strings.TrimSpace(answer))
	ref := strings.ToLower(strings.TrimSpace(reference))
	switch {
	case a == "":
		return schema.Verdict{Score: 0, Feedback: i18n.Text(lang, "FeedbackEmptyAnswer", nil), Issues: []string{model.IssueEmptyAnswer}}
	case a == ref:
		return schema.Verdict{Score: 100, Feedback: i18n.Text(lang, "FeedbackExactMatch", nil), Issues: []string{}}
	case strings.Contains(a, ref) || strings.Contains(ref, a):
		return schema.Verdict{Score: partialScore, Feedback: i18n.Text(lang, "FeedbackPartialMatch", nil), Issues: []string{}}
	default:
		return schema.Verdict{Score: 0, Feedback: i18n.Text(lang, "FeedbackNoMatch", nil), Issues: []string{model.IssueWrongAnswer}}
	}
}

// SelfHeuristic grades a reference answer without the model: a missing or
// very short answer is 0, anything else gets a neutral score flagged for
// review.
func SelfHeuristic(answer string, lang model.Language) schema.Verdict {
	a := strings.TrimSpace(answer)
	if model.IsPlaceholderAnswer(a) || utf8.RuneCountInString(a) < minReferenceRunes {
		return schema.Verdict{
			Score:      0,
			Feedback:   i18n.Text(lang, "FeedbackShortReference", nil),
			Issues:     []string{model.IssueMissingAnswer},
			Suggestion: i18n.Text(lang, "SuggestionShortReference", nil),
		}
	}
	return schema.Verdict{
		Score:      reviewScore,
		Feedback:   i18n.Text(lang, "FeedbackManualReview", nil),
		Issues:     []string{model.IssueNeedsReview},
		Suggestion: i18n.Text(lang, "SuggestionManualReview", nil),
	}
}

// Aggregate fills the average, per knowledge point mastery, per type
// averages, recommendations and fallback count of r from its records.
func Aggregate(r *model.GradingReport, lang model.Language) {
	r.AverageScore = 0
	r.FallbackCount = 0
	r.Mastery = map[string]model.Mastery{}
	r.TypeAverages = map[string]float64{}
	r.Recommendations = nil
	if len(r.Records) == 0 {
		return
	}

	var total float64
	kpSum := map[string]float64{}
	kpCount := map[string]int{}
	typeSum := map[string]float64{}
	typeCount := map[string]int{}
	for _, rec := range r.Records {
		total += rec.Score
		if rec.Fallback {
			r.FallbackCount++
		}
		for _, kp := range rec.KnowledgePoints {
			kpSum[kp] += rec.Score
			kpCount[kp]++
		}
		t := rec.QuestionType
		if t == "" {
			t = model.UnknownType
		}
		typeSum[t] += rec.Score
		typeCount[t]++
	}
	r.AverageScore = round(total/float64(len(r.Records)), 2)

	// Levels and weak points are decided on the unrounded ratio.
	weak := make([]string, 0, len(kpSum))
	for kp, sum := range kpSum {
		ratio := sum / (float64(kpCount[kp]) * 100)
		r.Mastery[kp] = model.Mastery{Ratio: round(ratio, 3), Level: model.MasteryLevelFor(ratio), QuestionCount: kpCount[kp]}
		if ratio < MasteryThreshold {
			weak = append(weak, kp)
		}
	}
	for t, sum := range typeSum {
		r.TypeAverages[t] = round(sum/float64(typeCount[t]), 2)
	}

	sort.Strings(weak)
	for _, kp := range weak {
		r.Recommendations = append(r.Recommendations, i18n.Text(lang, "Recommendation", map[string]any{"Point": kp}))
	}
}

// Summarize builds the index entry for a saved report.
func Summarize(r *model.GradingReport, path string) model.SubmissionSummary {
	return model.SubmissionSummary{
		ID:            r.ID,
		SessionID:     r.SessionID,
		Student:       r.Student,
		AverageScore:  r.AverageScore,
		QuestionCount: len(r.Records),
		FallbackCount: r.FallbackCount,
		GradedAt:      r.GradedAt,
		Path:          path,
		Mastery:       r.Mastery,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
