package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examforge/internal/model"
)

func decodeJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestCheck(t *testing.T) {
	valid := decodeJSON(t, `{"stem":"a","score":2,"difficulty":"hard","knowledge_points":["x"]}`)
	assert.Empty(t, Check(QuestionNode, valid))

	invalid := decodeJSON(t, `{"stem":"","score":"five","difficulty":"extreme"}`)
	msgs := Check(QuestionNode, invalid)
	assert.NotEmpty(t, msgs)

	assert.NotEmpty(t, Check(Grade, decodeJSON(t, `{"score":150}`)))
	assert.Empty(t, Check(Grade, decodeJSON(t, `{"score":80,"feedback":"ok","issues":[]}`)))
}

func TestQuestionsDefaultsAndDrops(t *testing.T) {
	items := decodeJSON(t, `[
		{"id":"1","stem":"Explain TCP","score":"5分","sub_questions":[
			{"label":"a","stem":"Handshake?"},
			{"label":"b","stem":"  "}
		]},
		{"stem":""},
		"not an object",
		{"question":"Alias stem","type":"essay","knowledge_points":"网络, 协议"}
	]`).([]any)

	r := Questions(items)
	require.Len(t, r.Value, 2)

	q := r.Value[0]
	assert.Equal(t, "1", q.ID)
	assert.Equal(t, 5.0, q.Score)
	assert.Equal(t, model.AnswerPlaceholder, q.Answer)
	assert.Equal(t, model.DifficultyMedium, q.Difficulty)
	assert.Equal(t, []string{model.DefaultKnowledgePoint}, q.KnowledgePoints)
	require.Len(t, q.SubQuestions, 1)
	assert.Equal(t, "a", q.SubQuestions[0].Label)

	alias := r.Value[1]
	assert.Equal(t, "Alias stem", alias.Stem)
	assert.Equal(t, "essay", alias.QuestionType)
	assert.Equal(t, []string{"网络", "协议"}, alias.KnowledgePoints)

	assert.Len(t, r.Dropped, 3)
	assert.Contains(t, r.Defaults, "[0].difficulty")
	assert.Contains(t, r.Defaults, "[0].knowledge_points")
	assert.False(t, r.Clean())
}

func TestOptionsStayInStem(t *testing.T) {
	r := Question(map[string]any{"stem": "Pick one", "options": []any{"A. x", " ", "B. y"}})
	assert.Equal(t, "Pick one\nA. x\nB. y", r.Value.Stem)
}

func TestNonNumericScoreDefaultsToZero(t *testing.T) {
	r := Question(map[string]any{"stem": "x", "score": "many"})
	assert.Equal(t, 0.0, r.Value.Score)
	assert.Contains(t, r.Defaults, "$.score")
}

func TestDecodeAnnotation(t *testing.T) {
	r := DecodeAnnotation(map[string]any{"difficulty": "困难", "knowledge_points": []any{"栈", ""}, "question_type": "calculation"})
	assert.Equal(t, model.DifficultyHard, r.Value.Difficulty)
	assert.Equal(t, []string{"栈"}, r.Value.KnowledgePoints)
	assert.Equal(t, "calculation", r.Value.QuestionType)

	empty := DecodeAnnotation(map[string]any{})
	assert.Equal(t, DefaultAnnotation(), empty.Value)
	assert.Len(t, empty.Defaults, 3)
}

func TestDecodeVerdict(t *testing.T) {
	r, ok := DecodeVerdict(map[string]any{"score": 130.0, "feedback": "good", "issues": []any{"minor"}})
	require.True(t, ok)
	assert.Equal(t, 100.0, r.Value.Score)
	assert.Equal(t, []string{"minor"}, r.Value.Issues)
	assert.NotEmpty(t, r.Violations)

	_, ok = DecodeVerdict(map[string]any{"feedback": "no score"})
	assert.False(t, ok)
}

func TestDecodePlan(t *testing.T) {
	r, ok := DecodePlan(map[string]any{
		"priorities":      []any{map[string]any{"topic": "Recursion", "reason": "low", "resources": []any{"book"}}, map[string]any{}},
		"study_plan":      "Phase 1...",
		"estimated_hours": 12.0,
	})
	require.True(t, ok)
	require.Len(t, r.Value.Priorities, 1)
	assert.Equal(t, "Recursion", r.Value.Priorities[0].Topic)
	assert.Equal(t, 12.0, r.Value.EstimatedHours)

	_, ok = DecodePlan(map[string]any{"estimated_hours": 3.0})
	assert.False(t, ok)
}

func TestDecodeAnswer(t *testing.T) {
	_, ok := DecodeAnswer(map[string]any{"answer": model.AnswerPlaceholder})
	assert.False(t, ok)

	r, ok := DecodeAnswer(map[string]any{"answer": "42", "explanation": "sum of column"})
	require.True(t, ok)
	assert.Equal(t, "42", r.Value.Answer)
}
