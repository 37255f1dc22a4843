// Package extract turns sample exam documents into the session's original
// question bank.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/docs"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
)

// Source is the text of one sample document.
type Source struct {
	Label string
	Path  string
	Text  string
}

// ReadSources extracts the text of each document. Unreadable documents are
// skipped and reported.
func ReadSources(paths []string) ([]Source, []string) {
	var sources []Source
	var skipped []string
	for _, p := range paths {
		text := docs.ExtractText(p)
		if text == "" {
			skipped = append(skipped, fmt.Sprintf("%s: no text extracted", p))
			continue
		}
		sources = append(sources, Source{Label: filepath.Base(p), Path: p, Text: text})
	}
	return sources, skipped
}

var errNoQuestions = errors.New("no questions in response")

// Stage extracts questions through the model, or with ParseText when no
// model is configured.
type Stage struct {
	llm       llm.Completer
	artifacts *artifact.Store
	policy    llm.Policy
	params    llm.Params
}

// Option configures a Stage.
type Option func(*Stage)

// WithPolicy overrides the per-source retry policy.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// New creates the stage. c may be nil.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:       c,
		artifacts: artifacts,
		policy:    llm.Policy{Attempts: 2, Backoff: llm.FixedBackoff(2 * time.Second)},
		params: llm.Params{
			Purpose:     "extract",
			Temperature: 0.2,
			MaxTokens:   2000,
			Timeout:     500 * time.Second,
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run extracts every source into one bank, stores it with the combined
// source text and saves the original bank artifact. A source that yields
// nothing is skipped; no sources at all still produce an empty bank.
func (s *Stage) Run(ctx context.Context, sess *state.Session, sources []Source) outcome.Outcome[*model.QuestionBank] {
	var notes outcome.Notes
	bank := &model.QuestionBank{SessionID: sess.ID()}
	var combined strings.Builder

	for _, src := range sources {
		bank.Sources = append(bank.Sources, src.Label)
		fmt.Fprintf(&combined, "\n\n# Source: %s\n%s", src.Label, src.Text)

		qs, reason := s.extractSource(ctx, src)
		notes.Add(reason)
		if len(qs) == 0 {
			slog.Warn("no questions extracted", "session", sess.ID(), "source", src.Label)
			continue
		}
		slog.Info("extracted questions", "session", sess.ID(), "source", src.Label, "count", len(qs))
		bank.Questions = append(bank.Questions, qs...)
	}
	bank.Questions = uniqueIDs(bank.Questions)
	if bank.Len() == 0 {
		notes.Add("no questions extracted from any source")
	}

	sess.SetQuestionBank(ctx, bank)
	sess.SetSourceText(ctx, strings.TrimSpace(combined.String()))
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveBank(sess.ID(), model.VariantOriginal, bank); err != nil {
			notes.Add(fmt.Sprintf("save bank: %v", err))
		}
	}
	return outcome.Degraded(bank, notes...)
}

func (s *Stage) extractSource(ctx context.Context, src Source) ([]model.Question, string) {
	if strings.TrimSpace(src.Text) == "" {
		return nil, fmt.Sprintf("%s: empty text", src.Label)
	}
	if s.llm == nil {
		return ParseText(src.Text, src.Label), ""
	}

	system, user, err := prompts.Render(prompts.Extract, prompts.ExtractData{Source: src.Label, Text: src.Text})
	if err != nil {
		return nil, fmt.Sprintf("%s: render prompt: %v", src.Label, err)
	}
	qs, err := llm.Retry(ctx, s.policy, func(ctx context.Context, attempt int) ([]model.Question, error) {
		items, err := llm.CompleteArray(ctx, s.llm, system, user, s.params)
		if err != nil {
			slog.Warn("extraction attempt failed", "source", src.Label, "attempt", attempt, "class", llm.ErrorClass(err), "error", err)
			return nil, err
		}
		r := schema.Questions(items)
		if len(r.Dropped) > 0 || len(r.Defaults) > 0 {
			slog.Debug("extraction defaults applied", "source", src.Label, "dropped", len(r.Dropped), "defaults", len(r.Defaults))
		}
		if len(r.Value) == 0 {
			return nil, errNoQuestions
		}
		return r.Value, nil
	})
	if err != nil {
		return nil, fmt.Sprintf("%s: %s", src.Label, llm.ErrorClass(err))
	}
	return convert(qs, src.Label), ""
}

// convert applies the extraction defaults: positional ids, provenance tags
// and sub-question labels.
func convert(qs []model.Question, label string) []model.Question {
	qs = model.NormalizeQuestions(qs)
	for i := range qs {
		q := &qs[i]
		if q.ID == "" {
			q.ID = fmt.Sprintf("Q%03d", i+1)
		}
		q.Tags = append(q.Tags, "source:"+label, "score:"+strconv.FormatFloat(q.Score, 'f', -1, 64))
		labelChildren(q.SubQuestions)
	}
	return qs
}

func labelChildren(children []model.Question) {
	for i := range children {
		if children[i].Label == "" {
			children[i].Label = fmt.Sprintf("sub_%d", i+1)
		}
		labelChildren(children[i].SubQuestions)
	}
}

// uniqueIDs renames questions whose id repeats an earlier one, which happens
// when several documents number their questions from 1.
func uniqueIDs(qs []model.Question) []model.Question {
	seen := make(map[string]bool, len(qs))
	for i := range qs {
		id := qs[i].ID
		if !seen[id] {
			seen[id] = true
			continue
		}
		for n := i + 1; ; n++ {
			candidate := fmt.Sprintf("Q%03d", n)
			if !seen[candidate] {
				qs[i].ID = candidate
				seen[candidate] = true
				break
			}
		}
	}
	return qs
}
