// Package distribution models the category frequencies of a question bank.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/state"
)

// Build tallies question types, difficulties and knowledge points over every
// node of the bank, sub-questions included, and normalizes each tally.
func Build(sessionID string, bank *model.QuestionBank) *model.DistributionModel {
	types := map[string]int{}
	diffs := map[string]int{}
	kps := map[string]int{}

	nodes := bank.Flatten()
	for _, q := range nodes {
		t := strings.TrimSpace(q.QuestionType)
		if t == "" {
			t = model.UnknownType
		}
		types[t]++

		d := q.Difficulty
		if !d.Valid() {
			d = model.ParseDifficulty(string(d))
		}
		diffs[string(d)]++

		counted := false
		for _, kp := range q.KnowledgePoints {
			if kp = strings.TrimSpace(kp); kp != "" {
				kps[kp]++
				counted = true
			}
		}
		if !counted {
			kps[model.DefaultKnowledgePoint]++
		}
	}

	return &model.DistributionModel{
		SessionID:                  sessionID,
		TotalQuestions:             len(nodes),
		TypeDistribution:           Normalize(types),
		DifficultyDistribution:     Normalize(diffs),
		KnowledgePointDistribution: Normalize(kps),
	}
}

// Normalize turns counts into fractions of their sum. An empty or all-zero
// tally yields an empty map.
func Normalize(counts map[string]int) map[string]float64 {
	total := 0
	for _, n := range counts {
		total += n
	}
	out := make(map[string]float64, len(counts))
	if total == 0 {
		return out
	}
	for k, n := range counts {
		if n > 0 {
			out[k] = float64(n) / float64(total)
		}
	}
	return out
}

// Entry is one category with its fraction.
type Entry struct {
	Label string
	Value float64
}

// Sorted orders a table by descending fraction, then label.
func Sorted(table map[string]float64) []Entry {
	out := make([]Entry, 0, len(table))
	for k, v := range table {
		out = append(out, Entry{Label: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Stage stores the model of the session's annotated bank.
type Stage struct {
	artifacts *artifact.Store
}

// New creates the stage. artifacts may be nil.
func New(artifacts *artifact.Store) *Stage {
	return &Stage{artifacts: artifacts}
}

// Run builds the model from the session bank. A session without a bank gets
// an empty model.
func (s *Stage) Run(ctx context.Context, sess *state.Session) outcome.Outcome[*model.DistributionModel] {
	var notes outcome.Notes
	bank, ok := sess.QuestionBank(ctx)
	if !ok {
		notes.Add("no question bank, distribution is empty")
	}
	dm := Build(sess.ID(), bank)
	if dm.TotalQuestions == 0 && ok {
		notes.Add("question bank is empty")
	}

	sess.SetDistribution(ctx, dm)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveReport(sess.ID(), model.VariantOriginal, artifact.ReportDistribution, dm); err != nil {
			notes.Add(fmt.Sprintf("save distribution: %v", err))
		}
	}
	slog.Info("built distribution model", "session", sess.ID(), "total", dm.TotalQuestions,
		"types", len(dm.TypeDistribution), "knowledge_points", len(dm.KnowledgePointDistribution))
	return outcome.Degraded(dm, notes...)
}
