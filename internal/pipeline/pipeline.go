// Package pipeline runs the exam stages in dependency order over one session
// and reports which stage artifacts a session has.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pavelanni/examforge/internal/advisory"
	"github.com/pavelanni/examforge/internal/annotate"
	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/distribution"
	"github.com/pavelanni/examforge/internal/extract"
	"github.com/pavelanni/examforge/internal/generate"
	"github.com/pavelanni/examforge/internal/grading"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/quality"
	"github.com/pavelanni/examforge/internal/state"
	"github.com/pavelanni/examforge/internal/structure"
)

// MissingArtifactError is the one failure Run returns: a stage found no
// output of the stage it depends on, in memory or on disk.
type MissingArtifactError struct {
	Stage Stage
	Err   error
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("stage %s: missing prerequisite: %v", e.Stage, e.Err)
}

func (e *MissingArtifactError) Unwrap() error { return e.Err }

// Inputs are what the caller passes into a run besides the session.
type Inputs struct {
	// SamplePaths are read with docs.ExtractText before extraction.
	SamplePaths []string
	// Sources are sample texts the caller already holds.
	Sources  []extract.Source
	Language model.Language
	Student  string
	// Answers switches the grade stage from self-check to grading this
	// learner submission, keyed by question id.
	Answers map[string]string
	// AnswerSheet is a filled-in answer sheet text. Its answers are merged
	// under Answers.
	AnswerSheet string
}

// StageReport is the outcome of one executed stage.
type StageReport struct {
	Stage      Stage          `json:"stage"`
	Status     outcome.Status `json:"status"`
	Reasons    []string       `json:"reasons,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Result describes one run.
type Result struct {
	RunID     string        `json:"run_id"`
	SessionID string        `json:"session_id"`
	UpTo      Stage         `json:"up_to"`
	StartedAt time.Time     `json:"started_at"`
	Stages    []StageReport `json:"stages"`
	Summary   state.Summary `json:"summary"`
}

// StageSet holds the stage implementations a Pipeline drives.
type StageSet struct {
	Extract    *extract.Stage
	Annotate   *annotate.Stage
	Distribute *distribution.Stage
	Structure  *structure.Stage
	Generate   *generate.Stage
	Quality    *quality.Stage
	Grade      *grading.Stage
	Advise     *advisory.Stage
}

// StageOptions tunes the stages built by DefaultStages. A nil Indexer skips
// indexing of graded submissions.
type StageOptions struct {
	Indexer  grading.Indexer
	Annotate []annotate.Option
	Generate []generate.Option
	Grade    []grading.Option
}

// DefaultStages builds every stage around one completer, which may be nil.
func DefaultStages(c llm.Completer, artifacts *artifact.Store, opts StageOptions) StageSet {
	gradeOpts := opts.Grade
	if opts.Indexer != nil {
		gradeOpts = append([]grading.Option{grading.WithIndexer(opts.Indexer)}, gradeOpts...)
	}
	return StageSet{
		Extract:    extract.New(c, artifacts),
		Annotate:   annotate.New(c, artifacts, opts.Annotate...),
		Distribute: distribution.New(artifacts),
		Structure:  structure.New(artifacts),
		Generate:   generate.New(c, artifacts, opts.Generate...),
		Quality:    quality.New(c, artifacts),
		Grade:      grading.New(c, artifacts, gradeOpts...),
		Advise:     advisory.New(c, artifacts),
	}
}

// Pipeline is the orchestrator. Stages run strictly one after another and
// talk to each other only through the session state.
type Pipeline struct {
	states    *state.Store
	artifacts *artifact.Store
	stages    StageSet
	tracer    trace.Tracer
}

// New creates a Pipeline.
func New(states *state.Store, artifacts *artifact.Store, stages StageSet) *Pipeline {
	return &Pipeline{
		states:    states,
		artifacts: artifacts,
		stages:    stages,
		tracer:    otel.Tracer("github.com/pavelanni/examforge/internal/pipeline"),
	}
}

// step is the status-only view of a stage outcome.
type step struct {
	status  outcome.Status
	reasons []string
	err     error
}

func view[T any](o outcome.Outcome[T]) step {
	return step{status: o.Status, reasons: o.Reasons, err: o.Err}
}

// Run executes every stage up to and including upTo. Recoverable problems
// only degrade the stage; the run stops with a *MissingArtifactError when a
// stage lacks its prerequisite.
func (p *Pipeline) Run(ctx context.Context, sessionID string, in Inputs, upTo Stage) (*Result, error) {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	order, err := Order(upTo)
	if err != nil {
		return nil, err
	}
	if in.Language == "" {
		in.Language = model.LanguageEnglish
	}

	res := &Result{RunID: uuid.NewString(), SessionID: sessionID, UpTo: upTo, StartedAt: time.Now()}
	sess := p.states.Session(sessionID)
	slog.Info("pipeline run started", "run", res.RunID, "session", sessionID, "up_to", upTo, "stages", len(order))

	for _, stage := range order {
		rep, st := p.execute(ctx, sess, stage, in)
		res.Stages = append(res.Stages, rep)
		if err := stopError(stage, st); err != nil {
			res.Summary = sess.Summary(ctx)
			return res, err
		}
		if err := ctx.Err(); err != nil {
			res.Summary = sess.Summary(ctx)
			return res, fmt.Errorf("run %s: %w", sessionID, err)
		}
	}
	res.Summary = sess.Summary(ctx)
	slog.Info("pipeline run finished", "run", res.RunID, "session", sessionID)
	return res, nil
}

// RunStage executes a single stage against whatever the session already
// holds, for example grading a submission against an existing exam.
func (p *Pipeline) RunStage(ctx context.Context, sessionID string, stage Stage, in Inputs) (StageReport, error) {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return StageReport{}, err
	}
	stage, err := ParseStage(string(stage))
	if err != nil {
		return StageReport{}, err
	}
	if in.Language == "" {
		in.Language = model.LanguageEnglish
	}
	rep, st := p.execute(ctx, p.states.Session(sessionID), stage, in)
	return rep, stopError(stage, st)
}

// execute runs one stage inside a span and records its outcome.
func (p *Pipeline) execute(ctx context.Context, sess *state.Session, stage Stage, in Inputs) (StageReport, step) {
	start := time.Now()
	sctx, span := p.tracer.Start(ctx, "pipeline."+string(stage), trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("pipeline.stage", string(stage)),
	))
	st := p.runStage(sctx, stage, sess, in)
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("pipeline.status", string(st.status)))
	if st.err != nil {
		span.RecordError(st.err)
		span.SetStatus(codes.Error, st.err.Error())
	}
	span.End()
	observe(stage, st.status, elapsed)
	logStage(sess.ID(), stage, st, elapsed)

	return StageReport{
		Stage:      stage,
		Status:     st.status,
		Reasons:    st.reasons,
		DurationMS: elapsed.Milliseconds(),
	}, st
}

// stopError is non-nil for the failures that end a run.
func stopError(stage Stage, st step) error {
	if st.status == outcome.StatusFailed && errors.Is(st.err, state.ErrMissing) {
		return &MissingArtifactError{Stage: stage, Err: st.err}
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, sess *state.Session, in Inputs) step {
	s := p.stages
	switch stage {
	case StageExtract:
		sources, skipped := extract.ReadSources(in.SamplePaths)
		sources = append(sources, in.Sources...)
		st := view(s.Extract.Run(ctx, sess, sources))
		if len(skipped) > 0 {
			st.reasons = append(skipped, st.reasons...)
			if st.status == outcome.StatusOK {
				st.status = outcome.StatusDegraded
			}
		}
		return st
	case StageAnnotate:
		return view(s.Annotate.Run(ctx, sess))
	case StageDistribute:
		return view(s.Distribute.Run(ctx, sess))
	case StageStructure:
		return view(s.Structure.Run(ctx, sess, in.Language))
	case StageGenerate:
		return view(s.Generate.Run(ctx, sess))
	case StageQuality:
		return view(s.Quality.Run(ctx, sess, in.Language))
	case StageGrade:
		if in.Answers == nil && strings.TrimSpace(in.AnswerSheet) == "" {
			return view(s.Grade.SelfGrade(ctx, sess, in.Language))
		}
		answers := in.Answers
		if strings.TrimSpace(in.AnswerSheet) != "" {
			bank, err := s.Grade.ExamBank(ctx, sess)
			if err != nil {
				return step{status: outcome.StatusFailed, reasons: []string{err.Error()}, err: err}
			}
			answers = grading.ParseAnswerSheet(in.AnswerSheet, bank)
			maps.Copy(answers, in.Answers)
		}
		return view(s.Grade.Grade(ctx, sess, in.Student, answers, in.Language))
	case StageAdvise:
		return view(s.Advise.Run(ctx, sess, in.Student, in.Language))
	}
	return step{status: outcome.StatusFailed, err: fmt.Errorf("unknown stage %q", stage)}
}

func logStage(sessionID string, stage Stage, st step, elapsed time.Duration) {
	attrs := []any{"session", sessionID, "stage", stage, "status", st.status, "elapsed", elapsed.Round(time.Millisecond)}
	switch st.status {
	case outcome.StatusOK:
		slog.Info("stage done", attrs...)
	case outcome.StatusDegraded:
		slog.Warn("stage degraded", append(attrs, "reasons", st.reasons)...)
	default:
		slog.Error("stage failed", append(attrs, "error", st.err)...)
	}
}

// ClearCache drops the session state and the derived artifact variants. The
// original bank on disk is kept so the pipeline can resume from it.
func (p *Pipeline) ClearCache(ctx context.Context, sessionID string) error {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := p.states.Reset(ctx, sessionID); err != nil {
		return fmt.Errorf("reset state: %w", err)
	}
	if p.artifacts != nil {
		if err := p.artifacts.RemoveDerived(sessionID); err != nil {
			return fmt.Errorf("remove derived artifacts: %w", err)
		}
	}
	slog.Info("session cache cleared", "session", sessionID)
	return nil
}

// Session returns the state of a session.
func (p *Pipeline) Session(sessionID string) *state.Session {
	return p.states.Session(sessionID)
}
