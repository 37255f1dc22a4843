package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examforge/internal/model"
)

func sampleBank() *model.QuestionBank {
	return &model.QuestionBank{
		SessionID: "s1",
		Questions: []model.Question{
			{ID: "Q001", Stem: "What is a stack?", Answer: "LIFO", Difficulty: model.DifficultyEasy, KnowledgePoints: []string{"栈"}, Score: 2},
		},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(t.TempDir()),
		"redis":  NewRedisBackend(client, time.Hour),
	}
}

func TestRoundTripAcrossRestart(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := New(b).Session("s1")
			first.SetQuestionBank(ctx, sampleBank())
			first.SetSourceText(ctx, "1. What is a stack?")

			// A fresh store on the same backend sees the persisted values.
			second := New(b).Session("s1")
			bank, ok := second.QuestionBank(ctx)
			require.True(t, ok)
			assert.Equal(t, sampleBank(), bank)

			text, ok := second.SourceText(ctx)
			require.True(t, ok)
			assert.Equal(t, "1. What is a stack?", text)

			_, ok = second.GeneratedExam(ctx)
			assert.False(t, ok)
		})
	}
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := New(b)
			s := st.Session("s1")
			s.SetQuestionBank(ctx, sampleBank())
			require.NoError(t, st.Reset(ctx, "s1"))

			_, ok := s.QuestionBank(ctx)
			assert.False(t, ok)
			_, ok = New(b).Session("s1").QuestionBank(ctx)
			assert.False(t, ok)
		})
	}
}

type failingBackend struct{ MemoryBackend }

func (*failingBackend) Save(context.Context, string, Field, []byte) error {
	return errors.New("disk full")
}

func TestSetSurvivesPersistFailure(t *testing.T) {
	ctx := context.Background()
	s := New(&failingBackend{MemoryBackend: *NewMemoryBackend()}).Session("s1")
	s.SetQuestionBank(ctx, sampleBank())

	bank, ok := s.QuestionBank(ctx)
	require.True(t, ok)
	assert.Equal(t, 1, bank.Len())
}

func TestSummaryAndSnapshot(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := New(b).Session("s1")
	s.SetQuestionBank(ctx, sampleBank())
	s.SetDistribution(ctx, &model.DistributionModel{TotalQuestions: 1})

	sum := s.Summary(ctx)
	assert.Equal(t, 1, sum.QuestionCount)
	assert.Equal(t, 1, sum.DistributionTotal)
	assert.Contains(t, sum.Present, string(FieldQuestionBank))
	assert.Contains(t, sum.Missing, string(FieldGeneratedExam))
	assert.Nil(t, sum.GradedAverageScore)

	snap := New(b).Session("s1").Snapshot(ctx)
	assert.Contains(t, snap, string(FieldQuestionBank))
	assert.NotContains(t, snap, string(FieldQualityReport))
}

func TestFileBackendLayout(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	s := New(NewFileBackend(base)).Session("s1")
	s.SetSampleStructure(ctx, &model.SectionTemplate{Sections: []model.Section{{Title: "Short Answer Section"}}})

	_, err := os.Stat(filepath.Join(base, "s1", "state", "sample_structure.json"))
	assert.NoError(t, err)
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"course-101", false},
		{"exam_2024.v2", false},
		{"", true},
		{"../etc", true},
		{"a/b", true},
		{"a..b", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileBackendRejectsTraversal(t *testing.T) {
	b := NewFileBackend(t.TempDir())
	err := b.Save(context.Background(), "../x", FieldSourceText, []byte(`"x"`))
	assert.Error(t, err)
}
