package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examforge/internal/annotate"
	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/extract"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/state"
)

const sample = `1. What is the capital of France?
Answer: Paris
2. How many bits are in a byte?
Answer: eight
`

func newPipeline(t *testing.T) (*Pipeline, *artifact.Store) {
	t.Helper()
	store := artifact.New(t.TempDir())
	stages := DefaultStages(nil, store, StageOptions{
		Annotate: []annotate.Option{annotate.WithDelay(0)},
	})
	return New(state.New(state.NewMemoryBackend()), store, stages), store
}

func sampleInputs() Inputs {
	return Inputs{
		Sources:  []extract.Source{{Label: "sample.txt", Text: sample}},
		Language: model.LanguageEnglish,
	}
}

func stageNames(reports []StageReport) []Stage {
	out := make([]Stage, len(reports))
	for i, r := range reports {
		out[i] = r.Stage
	}
	return out
}

func TestParseStage(t *testing.T) {
	tests := []struct {
		in   string
		want Stage
	}{
		{"extract", StageExtract},
		{"A", StageExtract},
		{"e", StageGenerate},
		{" Quality ", StageQuality},
		{"H", StageAdvise},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStage(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := ParseStage("publish")
	assert.Error(t, err)
}

func TestOrderIsPrefix(t *testing.T) {
	order, err := Order(StageStructure)
	require.NoError(t, err)
	assert.Equal(t, []Stage{StageExtract, StageAnnotate, StageDistribute, StageStructure}, order)

	all, err := Order(StageAdvise)
	require.NoError(t, err)
	assert.Equal(t, Stages(), all)

	_, err = Order("publish")
	assert.Error(t, err)
}

func TestGraphDependenciesPrecedeStage(t *testing.T) {
	seen := map[Stage]bool{}
	for _, n := range Graph {
		for _, d := range n.DependsOn {
			assert.True(t, seen[d], "%s depends on %s which comes later", n.Stage, d)
		}
		seen[n.Stage] = true
	}
	assert.Equal(t, []Stage{StageGenerate}, Dependencies(StageQuality))
	assert.Nil(t, Dependencies("publish"))
}

func TestRunUpToGenerate(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	res, err := p.Run(ctx, "s1", sampleInputs(), StageGenerate)
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, []Stage{StageExtract, StageAnnotate, StageDistribute, StageStructure, StageGenerate}, stageNames(res.Stages))
	for _, r := range res.Stages {
		assert.NotEqual(t, outcome.StatusFailed, r.Status, "stage %s: %v", r.Stage, r.Reasons)
	}
	assert.Equal(t, 2, res.Summary.QuestionCount)
	assert.Equal(t, 2, res.Summary.GeneratedCount)
	assert.Equal(t, 2, res.Summary.DistributionTotal)

	bank, err := store.LoadBank("s1", model.VariantGenerated)
	require.NoError(t, err)
	assert.Equal(t, 2, bank.Len())
	_, err = store.LoadBank("s1", model.VariantCorrected)
	assert.ErrorIs(t, err, state.ErrMissing)
}

func TestRunStopsOnMissingSubmission(t *testing.T) {
	p, _ := newPipeline(t)
	before := testutil.ToFloat64(stageOutcomes.WithLabelValues(string(StageAdvise), string(outcome.StatusFailed)))

	res, err := p.Run(context.Background(), "s1", sampleInputs(), StageAdvise)
	require.Error(t, err)

	var missing *MissingArtifactError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, StageAdvise, missing.Stage)
	assert.True(t, errors.Is(err, state.ErrMissing))

	require.Len(t, res.Stages, 8)
	assert.Equal(t, outcome.StatusFailed, res.Stages[7].Status)
	assert.NotEqual(t, outcome.StatusFailed, res.Stages[6].Status)
	require.NotNil(t, res.Summary.GradedAverageScore)

	after := testutil.ToFloat64(stageOutcomes.WithLabelValues(string(StageAdvise), string(outcome.StatusFailed)))
	assert.Equal(t, before+1, after)
}

func TestRunWithSubmission(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()
	in := sampleInputs()
	in.Student = "alice"
	in.Answers = map[string]string{"GEN_001": "", "GEN_002": "no idea"}

	res, err := p.Run(ctx, "s1", in, StageAdvise)
	require.NoError(t, err)
	require.Len(t, res.Stages, 8)

	sub, err := store.LatestSubmission("s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", sub.Student)
	assert.Equal(t, model.ReportSubmission, sub.Kind)

	adv, err := store.LatestAdvice("s1")
	require.NoError(t, err)
	assert.True(t, adv.Fallback)

	h, err := p.HealthCheck(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, h.Healthy(), "%+v", h.Stages)
	assert.Equal(t, StageAdvise, h.LastComplete)
}

func TestRunSkippedPathDegradesExtraction(t *testing.T) {
	p, _ := newPipeline(t)
	in := sampleInputs()
	in.SamplePaths = []string{filepath.Join(t.TempDir(), "missing.pdf")}

	res, err := p.Run(context.Background(), "s1", in, StageExtract)
	require.NoError(t, err)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, outcome.StatusDegraded, res.Stages[0].Status)
	assert.Contains(t, res.Stages[0].Reasons[0], "missing.pdf")
	assert.Equal(t, 2, res.Summary.QuestionCount)
}

func TestRunRejectsBadInput(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.Run(context.Background(), "../etc", sampleInputs(), StageExtract)
	assert.Error(t, err)
	_, err = p.Run(context.Background(), "s1", sampleInputs(), "publish")
	assert.Error(t, err)
}

func TestHealthCheckPartialRun(t *testing.T) {
	p, _ := newPipeline(t)
	ctx := context.Background()

	h, err := p.HealthCheck(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, h.Healthy())
	assert.Empty(t, h.LastComplete)
	require.Len(t, h.Stages, 8)
	assert.True(t, h.Stages[0].Missing)

	_, err = p.Run(ctx, "s1", sampleInputs(), StageStructure)
	require.NoError(t, err)

	h, err = p.HealthCheck(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StageStructure, h.LastComplete)
	assert.True(t, h.Stages[3].OK)
	assert.False(t, h.Stages[4].OK)
	assert.True(t, h.Stages[4].Missing)
}

func TestClearCache(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, "s1", sampleInputs(), StageQuality)
	require.NoError(t, err)
	_, err = store.LoadBank("s1", model.VariantCorrected)
	require.NoError(t, err)

	require.NoError(t, p.ClearCache(ctx, "s1"))

	sum := p.Session("s1").Summary(ctx)
	assert.Empty(t, sum.Present)
	assert.Zero(t, sum.QuestionCount)

	_, err = store.LoadBank("s1", model.VariantGenerated)
	assert.ErrorIs(t, err, state.ErrMissing)
	_, err = store.LoadBank("s1", model.VariantOriginal)
	assert.NoError(t, err)

	h, err := p.HealthCheck(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StageStructure, h.LastComplete)
}

func TestRunStageGradesAnswerSheet(t *testing.T) {
	p, store := newPipeline(t)
	ctx := context.Background()

	_, err := p.Run(ctx, "s1", sampleInputs(), StageGenerate)
	require.NoError(t, err)
	bank, err := store.LoadBank("s1", model.VariantGenerated)
	require.NoError(t, err)
	require.Equal(t, 2, bank.Len())

	sheet := "1. " + bank.Questions[0].Answer + "\n" + artifact.AnswerSeparator + "\n"
	rep, err := p.RunStage(ctx, "s1", "G", Inputs{Student: "bob", AnswerSheet: sheet})
	require.NoError(t, err)
	assert.Equal(t, StageGrade, rep.Stage)

	report, ok := p.Session("s1").GradingReport(ctx)
	require.True(t, ok)
	assert.Equal(t, model.ReportSubmission, report.Kind)
	assert.Equal(t, "bob", report.Student)
	require.Len(t, report.Records, 2)
	assert.Equal(t, 100.0, report.Records[0].Score)
	assert.Equal(t, 0.0, report.Records[1].Score)
}

func TestRunStageWithoutExam(t *testing.T) {
	p, _ := newPipeline(t)
	_, err := p.RunStage(context.Background(), "s1", StageGrade, Inputs{AnswerSheet: "Q001: x"})
	var missing *MissingArtifactError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, StageGrade, missing.Stage)
}
