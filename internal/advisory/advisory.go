// Package advisory turns a learner's grading report into a weakness analysis
// and a remediation plan.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
)

// Analysis limits and thresholds.
const (
	WeakMastery     = 0.6
	WeakTypeAverage = 60.0
	DifficultScore  = 50.0

	maxWeakPoints = 5
	maxWeakTypes  = 3
	maxDifficult  = 5
	maxIssues     = 5
)

var (
	errNoModel = errors.New("no model configured")
	errNoPlan  = errors.New("no plan in response")
)

// Stage produces advisory reports.
type Stage struct {
	llm       llm.Completer
	artifacts *artifact.Store
	policy    llm.Policy
	params    llm.Params
	now       func() time.Time
}

// Option configures a Stage.
type Option func(*Stage)

// WithPolicy overrides the retry policy of the plan call.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// New creates the stage. With a nil c the rule-based plan is used.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:       c,
		artifacts: artifacts,
		policy:    llm.Policy{Attempts: 2, Backoff: llm.FixedBackoff(2 * time.Second)},
		params: llm.Params{
			Purpose:     "advise",
			Temperature: 0.7,
			MaxTokens:   1200,
			Timeout:     180 * time.Second,
			JSONObject:  true,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run advises on the session's latest learner submission: the grading report
// in state when it is a submission, else the newest one saved on disk. Without
// either it fails with an error wrapping state.ErrMissing.
func (s *Stage) Run(ctx context.Context, sess *state.Session, student string, lang model.Language) outcome.Outcome[*model.AdvisoryReport] {
	report, ok := sess.GradingReport(ctx)
	if !ok || report.Kind != model.ReportSubmission {
		report = nil
		if s.artifacts != nil {
			latest, err := s.artifacts.LatestSubmission(sess.ID())
			if err != nil {
				slog.Debug("no saved submission", "session", sess.ID(), "error", err)
			}
			report = latest
		}
	}
	if report == nil {
		return outcome.Failed[*model.AdvisoryReport](fmt.Errorf("advisory: submission grading report: %w", state.ErrMissing))
	}
	return s.Advise(ctx, sess.ID(), report, student, lang)
}

// Advise analyzes report and plans remediation. The result is saved under
// the session's learning advice when an artifact store is configured.
func (s *Stage) Advise(ctx context.Context, sessionID string, report *model.GradingReport, student string, lang model.Language) outcome.Outcome[*model.AdvisoryReport] {
	if strings.TrimSpace(student) == "" {
		student = report.Student
	}
	analysis := Analyze(report)
	adv := &model.AdvisoryReport{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Student:      student,
		CreatedAt:    s.now(),
		Analysis:     analysis,
		AverageScore: report.AverageScore,
	}

	var notes outcome.Notes
	plan, err := s.plan(ctx, analysis, student, report.AverageScore, lang)
	if err != nil {
		slog.Warn("study plan failed, using rule-based plan", "session", sessionID, "class", llm.ErrorClass(err), "error", err)
		plan = FallbackPlan(analysis, lang)
		adv.Fallback = true
		notes.Add("rule-based study plan after " + llm.ErrorClass(err))
	}
	adv.Plan = plan

	if s.artifacts != nil {
		if _, err := s.artifacts.SaveAdvice(sessionID, adv); err != nil {
			notes.Add(fmt.Sprintf("save advice: %v", err))
		}
	}
	slog.Info("advice ready", "session", sessionID, "student", student,
		"weak_points", len(analysis.WeakKnowledgePoints), "priorities", len(plan.Priorities), "fallback", adv.Fallback)
	return outcome.Degraded(adv, notes...)
}

func (s *Stage) plan(ctx context.Context, a model.WeaknessAnalysis, student string, avg float64, lang model.Language) (model.StudyPlan, error) {
	if s.llm == nil {
		return model.StudyPlan{}, errNoModel
	}
	if student == "" {
		student = i18n.Text(lang, "DefaultStudent", nil)
	}
	system, user, err := prompts.Render(prompts.Advise, prompts.AdviseData{
		Student:      student,
		AverageScore: avg,
		Summary:      Summary(a),
		Language:     string(lang),
	})
	if err != nil {
		return model.StudyPlan{}, err
	}
	return llm.Retry(ctx, s.policy, func(ctx context.Context, _ int) (model.StudyPlan, error) {
		m, err := llm.CompleteObject(ctx, s.llm, system, user, s.params)
		if err != nil {
			return model.StudyPlan{}, err
		}
		r, ok := schema.DecodePlan(m)
		if !ok {
			return model.StudyPlan{}, errNoPlan
		}
		return r.Value, nil
	})
}

// Analyze derives the weakest knowledge points, question types, questions
// and the most frequent issues from a grading report. Ties are broken by
// name so the result is stable.
func Analyze(r *model.GradingReport) model.WeaknessAnalysis {
	a := model.WeaknessAnalysis{
		WeakKnowledgePoints: []model.WeakPoint{},
		WeakTypes:           []model.WeakType{},
		DifficultQuestions:  []model.DifficultQuestion{},
		CommonIssues:        []model.IssueCount{},
	}
	if r == nil {
		return a
	}

	raw := rawMastery(r.Records)
	for kp, m := range r.Mastery {
		ratio, ok := raw[kp]
		if !ok {
			ratio = m.Ratio
		}
		if ratio < WeakMastery {
			a.WeakKnowledgePoints = append(a.WeakKnowledgePoints, model.WeakPoint{KnowledgePoint: kp, Ratio: m.Ratio})
		}
	}
	sort.Slice(a.WeakKnowledgePoints, func(i, j int) bool {
		x, y := a.WeakKnowledgePoints[i], a.WeakKnowledgePoints[j]
		if x.Ratio != y.Ratio {
			return x.Ratio < y.Ratio
		}
		return x.KnowledgePoint < y.KnowledgePoint
	})
	a.WeakKnowledgePoints = head(a.WeakKnowledgePoints, maxWeakPoints)

	sums := map[string]float64{}
	counts := map[string]int{}
	issues := map[string]int{}
	for _, rec := range r.Records {
		t := rec.QuestionType
		if t == "" {
			t = model.UnknownType
		}
		sums[t] += rec.Score
		counts[t]++
		if rec.Score < DifficultScore {
			a.DifficultQuestions = append(a.DifficultQuestions, model.DifficultQuestion{
				QuestionID: rec.QuestionID,
				Stem:       rec.Stem,
				Score:      rec.Score,
			})
		}
		for _, issue := range rec.Issues {
			if issue = strings.TrimSpace(issue); issue != "" {
				issues[issue]++
			}
		}
	}

	for t, sum := range sums {
		avg := sum / float64(counts[t])
		if avg < WeakTypeAverage {
			a.WeakTypes = append(a.WeakTypes, model.WeakType{QuestionType: t, Average: math.Round(avg*10) / 10})
		}
	}
	sort.Slice(a.WeakTypes, func(i, j int) bool {
		x, y := a.WeakTypes[i], a.WeakTypes[j]
		if x.Average != y.Average {
			return x.Average < y.Average
		}
		return x.QuestionType < y.QuestionType
	})
	a.WeakTypes = head(a.WeakTypes, maxWeakTypes)

	sort.SliceStable(a.DifficultQuestions, func(i, j int) bool {
		return a.DifficultQuestions[i].Score < a.DifficultQuestions[j].Score
	})
	a.DifficultQuestions = head(a.DifficultQuestions, maxDifficult)

	for issue, n := range issues {
		a.CommonIssues = append(a.CommonIssues, model.IssueCount{Issue: issue, Count: n})
	}
	sort.Slice(a.CommonIssues, func(i, j int) bool {
		x, y := a.CommonIssues[i], a.CommonIssues[j]
		if x.Count != y.Count {
			return x.Count > y.Count
		}
		return x.Issue < y.Issue
	})
	a.CommonIssues = head(a.CommonIssues, maxIssues)
	return a
}

// rawMastery recomputes the unrounded mastery ratio of every knowledge
// point from the graded records.
func rawMastery(records []model.GradeRecord) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, rec := range records {
		for _, kp := range rec.KnowledgePoints {
			sums[kp] += rec.Score
			counts[kp]++
		}
	}
	out := make(map[string]float64, len(sums))
	for kp, sum := range sums {
		out[kp] = sum / (float64(counts[kp]) * 100)
	}
	return out
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Summary renders an analysis as the plain text block of the plan prompt.
func Summary(a model.WeaknessAnalysis) string {
	var b strings.Builder
	b.WriteString("Weak knowledge points:\n")
	if len(a.WeakKnowledgePoints) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range a.WeakKnowledgePoints {
		fmt.Fprintf(&b, "- %s (mastery %.1f%%)\n", p.KnowledgePoint, p.Ratio*100)
	}
	b.WriteString("\nWeak question types:\n")
	if len(a.WeakTypes) == 0 {
		b.WriteString("- none\n")
	}
	for _, t := range a.WeakTypes {
		fmt.Fprintf(&b, "- %s (average %.1f)\n", t.QuestionType, t.Average)
	}
	b.WriteString("\nLowest scoring questions:\n")
	if len(a.DifficultQuestions) == 0 {
		b.WriteString("- none\n")
	}
	for _, q := range a.DifficultQuestions {
		fmt.Fprintf(&b, "- %s: %.0f points\n", q.QuestionID, q.Score)
	}
	b.WriteString("\nCommon issues:\n")
	if len(a.CommonIssues) == 0 {
		b.WriteString("- none\n")
	}
	for _, i := range a.CommonIssues {
		fmt.Fprintf(&b, "- %s (x%d)\n", i.Issue, i.Count)
	}
	return b.String()
}

// FallbackPlan is the rule-based plan: one priority per weak knowledge point,
// a fixed three-phase plan and 3 hours per weak point plus 5.
func FallbackPlan(a model.WeaknessAnalysis, lang model.Language) model.StudyPlan {
	resources := []string{
		i18n.Text(lang, "ResourceTextbook", nil),
		i18n.Text(lang, "ResourceExercises", nil),
		i18n.Text(lang, "ResourceVideos", nil),
	}
	plan := model.StudyPlan{
		Priorities: []model.Priority{},
		Plan:       i18n.Text(lang, "FallbackPlan", nil),
		Suggestions: []string{
			i18n.Text(lang, "SuggestionDailyReview", nil),
			i18n.Text(lang, "SuggestionExercises", nil),
			i18n.Text(lang, "SuggestionExplain", nil),
		},
		EstimatedHours: float64(3*len(a.WeakKnowledgePoints) + 5),
	}
	for _, p := range a.WeakKnowledgePoints {
		plan.Priorities = append(plan.Priorities, model.Priority{
			Topic:     p.KnowledgePoint,
			Reason:    i18n.Text(lang, "ReasonWeakPoint", map[string]any{"Percent": fmt.Sprintf("%.0f%%", p.Ratio*100)}),
			Resources: append([]string(nil), resources...),
		})
	}
	if len(a.WeakTypes) > 0 {
		plan.Suggestions = append(plan.Suggestions,
			i18n.Text(lang, "SuggestionWeakType", map[string]any{"Type": a.WeakTypes[0].QuestionType}))
	}
	return plan
}
