package generate

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/llm/llmtest"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/state"
)

func newSession(t *testing.T, sections ...model.Section) *state.Session {
	t.Helper()
	sess := state.New(state.NewMemoryBackend()).Session("s1")
	if len(sections) > 0 {
		sess.SetSampleStructure(context.Background(), &model.SectionTemplate{Path: "test", Sections: sections})
	}
	return sess
}

func section(title string, from, to int) model.Section {
	return model.Section{Title: title, Ranges: []model.IndexRange{{From: from, To: to}}, Language: model.LanguageEnglish}
}

func TestFallbackYieldsExpectedCount(t *testing.T) {
	examples := []model.Question{
		{ID: "Q001", Stem: "Example one", Answer: "a", Difficulty: model.DifficultyEasy},
		{ID: "Q002", Stem: "Example two", Answer: "b"},
	}
	tests := []struct {
		name     string
		examples []model.Question
		count    int
		want     int
	}{
		{"placeholders only", nil, 4, 4},
		{"examples then placeholders", examples, 4, 4},
		{"examples cut", examples, 1, 1},
		{"zero count", nil, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fallback(section("Short Answer Section", 1, tt.count), tt.examples, tt.count, model.DifficultyHard, model.LanguageEnglish)
			require.Len(t, got, tt.want)
			for _, q := range got {
				assert.NotEmpty(t, strings.TrimSpace(q.Stem))
				assert.NotEmpty(t, q.KnowledgePoints)
				assert.Equal(t, model.DifficultyHard, q.Difficulty)
			}
		})
	}

	got := Fallback(section("x Section", 1, 3), examples, 3, model.DifficultyMedium, model.LanguageChinese)
	assert.Equal(t, "Example one", got[0].Stem)
	assert.Equal(t, "请简述相关的主要概念。", got[2].Stem)
	assert.Equal(t, "请参考教材相关章节。", got[2].Answer)
}

func TestFallbackUsesSectionKnowledgePoint(t *testing.T) {
	sec := section("x Section", 1, 1)
	sec.ExpectedKnowledgePoints = []string{"paging"}
	got := Fallback(sec, nil, 1, model.DifficultyMedium, model.LanguageEnglish)
	assert.Equal(t, "Briefly describe the main concepts of paging.", got[0].Stem)
	assert.Equal(t, []string{"paging"}, got[0].KnowledgePoints)
}

func TestRunUnreachableFallsBack(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, section("mc Section", 1, 6), section("sa Section", 7, 10))

	out := New(llmtest.Unreachable(), nil).Run(ctx, sess)
	require.False(t, out.Failed())
	assert.Equal(t, outcome.StatusDegraded, out.Status)
	require.Equal(t, 10, out.Value.Len())
	assert.Equal(t, "GEN_001", out.Value.Questions[0].ID)
	assert.Equal(t, "GEN_010", out.Value.Questions[9].ID)

	stored, ok := sess.GeneratedExam(ctx)
	require.True(t, ok)
	assert.Equal(t, 10, stored.Len())
}

func TestRunKeepsSectionOrder(t *testing.T) {
	stub := llmtest.Matching(map[string]string{
		`"Alpha Section"`: `[{"stem":"A1"},{"stem":"A2"}]`,
		`"Beta Section"`:  `[{"stem":"B1"}]`,
		`"Gamma Section"`: `[{"stem":"C1"},{"stem":"C2"},{"stem":"C3"},{"stem":"C4"}]`,
	})
	sess := newSession(t, section("Alpha Section", 1, 2), section("Beta Section", 3, 4), section("Gamma Section", 5, 6))
	sess.SetDistribution(context.Background(), &model.DistributionModel{SessionID: "s1"})

	out := New(stub, nil, WithConcurrency(3)).Run(context.Background(), sess)
	require.Equal(t, outcome.StatusOK, out.Status, out.Reason())

	var stems, ids []string
	for _, q := range out.Value.Questions {
		stems = append(stems, q.Stem)
		ids = append(ids, q.ID)
	}
	// Gamma is cut to two; Beta's shortfall is accepted.
	assert.Equal(t, []string{"A1", "A2", "B1", "C1", "C2"}, stems)
	assert.Equal(t, []string{"GEN_001", "GEN_002", "GEN_003", "GEN_004", "GEN_005"}, ids)

	calls := stub.CallsFor("generate")
	require.Len(t, calls, 3)
	assert.InDelta(t, 0.6, calls[0].Params.Temperature, 1e-6)
	assert.InDelta(t, 0.95, calls[0].Params.TopP, 1e-6)
	assert.Equal(t, 3200, calls[0].Params.MaxTokens)
}

func TestTablesBecomeHTMLAndGetAnswers(t *testing.T) {
	stub := llmtest.ByPurpose(map[string]string{
		"generate":     `[{"stem":"Add the cells:\n| a | b |\n|---|---|\n| 1 | 2 |","question_type":"calculation"}]`,
		"table_answer": `{"answer":"3","explanation":"1 + 2"}`,
	})
	dir := t.TempDir()
	sess := newSession(t, section("calculation Section", 1, 1))

	out := New(stub, artifact.New(dir)).Run(context.Background(), sess)
	require.Equal(t, 1, out.Value.Len())
	q := out.Value.Questions[0]
	assert.Contains(t, q.Stem, "<table><tr><th>a</th><th>b</th></tr><tr><td>1</td><td>2</td></tr></table>")
	assert.Equal(t, "3", q.Answer)
	assert.Equal(t, "1 + 2", q.Explanation)

	answerCalls := stub.CallsFor("table_answer")
	require.Len(t, answerCalls, 1)
	assert.Contains(t, answerCalls[0].User, "| a | b |")

	saved, err := artifact.New(dir).LoadBank("s1", model.VariantGenerated)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Len())
}

func TestPromptUsesSectionExamples(t *testing.T) {
	ctx := context.Background()
	sess := newSession(t, section("Short Answer Section", 2, 2))
	sess.SetQuestionBank(ctx, &model.QuestionBank{Questions: []model.Question{
		{Stem: "First template question", Answer: "x"},
		{Stem: "Second template question", Answer: "y"},
	}})
	stub := llmtest.Reply(`[{"stem":"New question"}]`)

	New(stub, nil).Run(ctx, sess)
	calls := stub.CallsFor("generate")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].User, "Second template question")
	assert.NotContains(t, calls[0].User, "First template question")
	assert.Contains(t, calls[0].User, "Question type: Short Answer")
}

func TestRunWithoutStructureInfersLayout(t *testing.T) {
	out := New(nil, nil).Run(context.Background(), newSession(t))
	// The static layout asks for 18 questions.
	assert.Equal(t, 18, out.Value.Len())
	assert.Equal(t, outcome.StatusDegraded, out.Status)
}

func TestGlobalDifficulty(t *testing.T) {
	bank := func(ds ...model.Difficulty) *model.QuestionBank {
		b := &model.QuestionBank{}
		for _, d := range ds {
			b.Questions = append(b.Questions, model.Question{Stem: "q", Difficulty: d})
		}
		return b
	}
	tests := []struct {
		name string
		bank *model.QuestionBank
		want model.Difficulty
	}{
		{"nil", nil, model.DifficultyMedium},
		{"mode", bank(model.DifficultyHard, model.DifficultyHard, model.DifficultyEasy), model.DifficultyHard},
		{"tie prefers medium", bank(model.DifficultyEasy, model.DifficultyMedium), model.DifficultyMedium},
		{"tie prefers hard over easy", bank(model.DifficultyEasy, model.DifficultyHard), model.DifficultyHard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GlobalDifficulty(tt.bank))
		})
	}
}

func TestSectionExamples(t *testing.T) {
	bank := &model.QuestionBank{Questions: []model.Question{{Stem: "1"}, {Stem: "2"}, {Stem: "3"}}}
	sec := model.Section{Ranges: []model.IndexRange{{From: 3, To: 5}, {From: 1, To: 1}}}
	got := SectionExamples(bank, sec)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].Stem)
	assert.Equal(t, "1", got[1].Stem)
}
