// Package annotate classifies every top-level question of the extracted bank
// by difficulty, knowledge points and type.
package annotate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
)

// Record is the classification applied to one question.
type Record struct {
	QuestionID      string           `json:"question_id"`
	Difficulty      model.Difficulty `json:"difficulty"`
	KnowledgePoints []string         `json:"knowledge_points"`
	QuestionType    string           `json:"question_type"`
	Defaulted       bool             `json:"defaulted,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// Report is the annotation artifact.
type Report struct {
	SessionID   string    `json:"session_id"`
	AnnotatedAt time.Time `json:"annotated_at"`
	Records     []Record  `json:"records"`
	BatchFailed bool      `json:"batch_failed,omitempty"`
}

// Stage runs one bounded-concurrency model call per question.
type Stage struct {
	llm         llm.Completer
	artifacts   *artifact.Store
	concurrency int
	delay       time.Duration
	policy      llm.Policy
	params      llm.Params
}

// Option configures a Stage.
type Option func(*Stage)

// WithConcurrency bounds the number of calls in flight.
func WithConcurrency(n int) Option {
	return func(s *Stage) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithDelay sets the pause each call takes after acquiring its slot.
func WithDelay(d time.Duration) Option {
	return func(s *Stage) { s.delay = d }
}

// WithPolicy overrides the per-question retry policy.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// New creates the stage.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:         c,
		artifacts:   artifacts,
		concurrency: 2,
		delay:       500 * time.Millisecond,
		policy: llm.Policy{
			Attempts: 2,
			Backoff:  llm.ClassBackoff(3*time.Second, 5*time.Second, 2*time.Second),
		},
		params: llm.Params{Purpose: "annotate", Temperature: 0.3, MaxTokens: 400},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var errNoModel = errors.New("no model configured")

// Run annotates the session's bank in place and stores it again. Every
// question ends up classified: failures fall back to the neutral default.
func (s *Stage) Run(ctx context.Context, sess *state.Session) outcome.Outcome[*model.QuestionBank] {
	bank, ok := sess.QuestionBank(ctx)
	if !ok && s.artifacts != nil {
		if b, err := s.artifacts.LoadBank(sess.ID(), model.VariantOriginal); err == nil {
			bank, ok = b, true
		}
	}
	if !ok || bank.Len() == 0 {
		return outcome.Degraded(bank, "no questions to annotate")
	}

	records := make([]Record, len(bank.Questions))
	report := Report{SessionID: sess.ID(), AnnotatedAt: time.Now().UTC()}
	if err := s.annotateAll(ctx, bank.Questions, records); err != nil {
		slog.Error("annotation batch failed, applying defaults", "session", sess.ID(), "error", err)
		report.BatchFailed = true
		for i, q := range bank.Questions {
			records[i] = defaultRecord(q.ID, err)
		}
	}

	var notes outcome.Notes
	for i := range bank.Questions {
		r := records[i]
		q := &bank.Questions[i]
		q.Difficulty = r.Difficulty
		q.KnowledgePoints = r.KnowledgePoints
		q.QuestionType = r.QuestionType
		if r.Defaulted {
			notes.Add(fmt.Sprintf("%s: %s", q.ID, r.Reason))
		}
	}
	report.Records = records

	sess.SetQuestionBank(ctx, bank)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveReport(sess.ID(), model.VariantOriginal, artifact.ReportAnnotation, report); err != nil {
			notes.Add(fmt.Sprintf("save annotation report: %v", err))
		}
	}
	slog.Info("annotated questions", "session", sess.ID(), "count", bank.Len(), "defaulted", len(notes))
	return outcome.Degraded(bank, notes...)
}

// annotateAll fills records index-aligned with qs. A panic anywhere in the
// fan-out is returned as an error.
func (s *Stage) annotateAll(ctx context.Context, qs []model.Question, records []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("annotation fan-out panicked: %v", r)
		}
	}()
	p := pool.New().WithMaxGoroutines(s.concurrency)
	for i, q := range qs {
		p.Go(func() {
			if err := llm.Sleep(ctx, s.delay); err != nil {
				records[i] = defaultRecord(q.ID, err)
				return
			}
			records[i] = s.annotate(ctx, q)
		})
	}
	p.Wait()
	return nil
}

func (s *Stage) annotate(ctx context.Context, q model.Question) Record {
	if s.llm == nil {
		return defaultRecord(q.ID, errNoModel)
	}
	system, user, err := prompts.Render(prompts.Annotate, prompts.AnnotateData{Stem: q.Stem, Answer: q.Answer})
	if err != nil {
		return defaultRecord(q.ID, err)
	}
	v, err := llm.Retry(ctx, s.policy, func(ctx context.Context, attempt int) (schema.AnnotationValue, error) {
		m, err := llm.CompleteObject(ctx, s.llm, system, user, s.params)
		if err != nil {
			slog.Debug("annotation attempt failed", "question", q.ID, "attempt", attempt, "class", llm.ErrorClass(err))
			return schema.AnnotationValue{}, err
		}
		return schema.DecodeAnnotation(m).Value, nil
	})
	if err != nil {
		return defaultRecord(q.ID, err)
	}
	return Record{
		QuestionID:      q.ID,
		Difficulty:      v.Difficulty,
		KnowledgePoints: v.KnowledgePoints,
		QuestionType:    v.QuestionType,
	}
}

func defaultRecord(id string, err error) Record {
	d := schema.DefaultAnnotation()
	return Record{
		QuestionID:      id,
		Difficulty:      d.Difficulty,
		KnowledgePoints: d.KnowledgePoints,
		QuestionType:    d.QuestionType,
		Defaulted:       true,
		Reason:          llm.ErrorClass(err),
	}
}
