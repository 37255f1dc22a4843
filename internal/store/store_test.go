package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/state"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateBackend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing field maps to the state sentinel.
	_, err := s.Load(ctx, "s1", state.FieldQuestionBank)
	if !errors.Is(err, state.ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}

	if err := s.Save(ctx, "s1", state.FieldSourceText, []byte(`"first"`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, "s1", state.FieldSourceText, []byte(`"second"`)); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	data, err := s.Load(ctx, "s1", state.FieldSourceText)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != `"second"` {
		t.Errorf("expected upserted value, got %s", data)
	}

	if err := s.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "s1", state.FieldSourceText); !errors.Is(err, state.ErrMissing) {
		t.Errorf("expected ErrMissing after delete, got %v", err)
	}
}

func TestSessionStateThroughStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := state.New(s).Session("course-1")
	sess.SetQuestionBank(ctx, &model.QuestionBank{
		SessionID: "course-1",
		Questions: []model.Question{{ID: "Q001", Stem: "Define a queue."}},
	})

	// A new state store over the same database sees the bank.
	bank, ok := state.New(s).Session("course-1").QuestionBank(ctx)
	if !ok {
		t.Fatal("expected persisted question bank")
	}
	if bank.Len() != 1 || bank.Questions[0].Stem != "Define a queue." {
		t.Errorf("unexpected bank %+v", bank)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no sessions, got %d", len(list))
	}

	s.Save(ctx, "a", state.FieldSourceText, []byte(`"x"`))
	s.Save(ctx, "a", state.FieldQuestionBank, []byte(`{}`))
	s.Save(ctx, "b", state.FieldSourceText, []byte(`"y"`))

	list, err = s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(list))
	}
	fields := map[string]int{}
	for _, info := range list {
		fields[info.ID] = info.Fields
	}
	if fields["a"] != 2 || fields["b"] != 1 {
		t.Errorf("unexpected field counts %v", fields)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetMetadata("llm_model")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if v != "" {
		t.Errorf("expected empty value, got %q", v)
	}
	if err := s.SetMetadata("llm_model", "m1"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata("llm_model", "m2"); err != nil {
		t.Fatalf("SetMetadata update: %v", err)
	}
	v, _ = s.GetMetadata("llm_model")
	if v != "m2" {
		t.Errorf("expected 'm2', got %q", v)
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Missing file returns empty string.
	hash, err := s.GetImportedFileHash(ctx, "s1", "/some/sample.pdf")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}

	if err := s.SetImportedFileHash(ctx, "s1", "/some/sample.pdf", "abc123"); err != nil {
		t.Fatalf("SetImportedFileHash: %v", err)
	}
	if err := s.SetImportedFileHash(ctx, "s1", "/some/sample.pdf", "def456"); err != nil {
		t.Fatalf("SetImportedFileHash update: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "s1", "/some/sample.pdf")
	if hash != "def456" {
		t.Errorf("expected 'def456', got %q", hash)
	}

	// Hashes are scoped per session.
	hash, _ = s.GetImportedFileHash(ctx, "s2", "/some/sample.pdf")
	if hash != "" {
		t.Errorf("expected no hash for other session, got %q", hash)
	}

	if err := s.ForgetImportedFiles(ctx, "s1"); err != nil {
		t.Fatalf("ForgetImportedFiles: %v", err)
	}
	hash, _ = s.GetImportedFileHash(ctx, "s1", "/some/sample.pdf")
	if hash != "" {
		t.Errorf("expected hash to be forgotten, got %q", hash)
	}
}

func TestSubmissionIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exp, err := s.ExportSubmissions(ctx, "s1")
	if err != nil {
		t.Fatalf("ExportSubmissions: %v", err)
	}
	if exp.Count != 0 || exp.Submissions == nil {
		t.Fatalf("expected empty non-nil export, got %+v", exp)
	}

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	subs := []model.SubmissionSummary{
		{ID: "r1", SessionID: "s1", Student: "alice", AverageScore: 72.5, QuestionCount: 4, GradedAt: base,
			Mastery: map[string]model.Mastery{"栈": {Ratio: 0.7, Level: model.MasteryFair, QuestionCount: 2}}},
		{ID: "r2", SessionID: "s1", Student: "bob", AverageScore: 40, QuestionCount: 4, FallbackCount: 1, GradedAt: base.Add(time.Hour)},
		{ID: "r3", SessionID: "s2", Student: "carol", AverageScore: 90, QuestionCount: 2, GradedAt: base},
	}
	for _, sub := range subs {
		if err := s.IndexSubmission(ctx, sub); err != nil {
			t.Fatalf("IndexSubmission %s: %v", sub.ID, err)
		}
	}

	exp, err = s.ExportSubmissions(ctx, "s1")
	if err != nil {
		t.Fatalf("ExportSubmissions: %v", err)
	}
	if exp.Count != 2 {
		t.Fatalf("expected 2 submissions, got %d", exp.Count)
	}
	first := exp.Submissions[0]
	if first.ID != "r1" || first.Student != "alice" {
		t.Errorf("expected r1 first, got %+v", first)
	}
	if m, ok := first.Mastery["栈"]; !ok || m.Level != model.MasteryFair {
		t.Errorf("expected mastery round trip, got %+v", first.Mastery)
	}
	if exp.Submissions[1].FallbackCount != 1 {
		t.Errorf("expected fallback count 1, got %d", exp.Submissions[1].FallbackCount)
	}

	all, err := s.ListSubmissions(ctx, "")
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 submissions overall, got %d", len(all))
	}
}
