package distribution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/state"
)

func sampleBank() *model.QuestionBank {
	return &model.QuestionBank{Questions: []model.Question{
		{
			ID: "1", Stem: "a", QuestionType: "essay", Difficulty: model.DifficultyHard,
			KnowledgePoints: []string{"paging", "memory"},
			SubQuestions: []model.Question{
				{Stem: "a.1", QuestionType: "short_answer", Difficulty: model.DifficultyEasy, KnowledgePoints: []string{"paging"}},
			},
		},
		{ID: "2", Stem: "b", Difficulty: "weird"},
	}}
}

func sum(m map[string]float64) float64 {
	var s float64
	for _, v := range m {
		s += v
	}
	return s
}

func TestBuild(t *testing.T) {
	dm := Build("s1", sampleBank())

	assert.Equal(t, 3, dm.TotalQuestions)
	assert.InDelta(t, 1.0/3, dm.TypeDistribution["essay"], 1e-9)
	assert.InDelta(t, 1.0/3, dm.TypeDistribution[model.UnknownType], 1e-9)
	assert.InDelta(t, 1.0/3, dm.DifficultyDistribution["medium"], 1e-9)
	assert.InDelta(t, 0.5, dm.KnowledgePointDistribution["paging"], 1e-9)
	assert.InDelta(t, 0.25, dm.KnowledgePointDistribution[model.DefaultKnowledgePoint], 1e-9)

	for name, table := range map[string]map[string]float64{
		"type":       dm.TypeDistribution,
		"difficulty": dm.DifficultyDistribution,
		"kp":         dm.KnowledgePointDistribution,
	} {
		assert.InDelta(t, 1.0, sum(table), 1e-6, name)
	}
}

func TestBuildEmpty(t *testing.T) {
	for _, bank := range []*model.QuestionBank{nil, {}} {
		dm := Build("s1", bank)
		assert.Equal(t, 0, dm.TotalQuestions)
		assert.NotNil(t, dm.TypeDistribution)
		assert.Empty(t, dm.TypeDistribution)
		assert.Empty(t, dm.KnowledgePointDistribution)
	}
}

func TestNormalizeSumsToOne(t *testing.T) {
	tests := []map[string]int{
		{"a": 1},
		{"a": 1, "b": 2, "c": 4},
		{"a": 7, "b": 3, "c": 3, "d": 11, "e": 1, "f": 5},
	}
	for _, counts := range tests {
		assert.InDelta(t, 1.0, sum(Normalize(counts)), 1e-6)
	}
	assert.Empty(t, Normalize(map[string]int{"a": 0}))
}

func TestSorted(t *testing.T) {
	got := Sorted(map[string]float64{"b": 0.25, "a": 0.25, "c": 0.5})
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{got[0].Label, got[1].Label, got[2].Label})
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sess := state.New(state.NewMemoryBackend()).Session("s1")
	sess.SetQuestionBank(ctx, sampleBank())

	out := New(artifact.New(dir)).Run(ctx, sess)
	require.Equal(t, outcome.StatusOK, out.Status)

	stored, ok := sess.Distribution(ctx)
	require.True(t, ok)
	assert.Equal(t, 3, stored.TotalQuestions)

	var onDisk model.DistributionModel
	require.NoError(t, artifact.New(dir).LoadReport("s1", model.VariantOriginal, artifact.ReportDistribution, &onDisk))
	assert.Equal(t, "s1", onDisk.SessionID)
}

func TestRunWithoutBank(t *testing.T) {
	ctx := context.Background()
	sess := state.New(state.NewMemoryBackend()).Session("s1")
	out := New(nil).Run(ctx, sess)
	assert.Equal(t, outcome.StatusDegraded, out.Status)
	assert.Equal(t, 0, out.Value.TotalQuestions)
}
