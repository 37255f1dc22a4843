// Package state holds the per-session artifacts the pipeline stages hand to
// each other. Values live in memory and are mirrored to a Backend on a best
// effort basis: a failed write is logged and the in-memory value stands.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/pavelanni/examforge/internal/model"
)

// Field names one slot of session state.
type Field string

const (
	FieldQuestionBank    Field = "question_bank"
	FieldDistribution    Field = "distribution_model"
	FieldSampleStructure Field = "sample_structure"
	FieldGeneratedExam   Field = "generated_exam"
	FieldQualityReport   Field = "quality_report"
	FieldGradingReport   Field = "grading_report"
	FieldSourceText      Field = "source_text"
)

// Fields lists every field in pipeline order.
var Fields = []Field{
	FieldSourceText,
	FieldQuestionBank,
	FieldDistribution,
	FieldSampleStructure,
	FieldGeneratedExam,
	FieldQualityReport,
	FieldGradingReport,
}

// ErrMissing reports that an artifact is neither in memory nor persisted.
var ErrMissing = errors.New("artifact not found")

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionID rejects ids that are unsafe as path or key components.
func ValidateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Backend persists serialized field values. Load returns ErrMissing (possibly
// wrapped) for absent values.
type Backend interface {
	Save(ctx context.Context, sessionID string, field Field, data []byte) error
	Load(ctx context.Context, sessionID string, field Field) ([]byte, error)
	Delete(ctx context.Context, sessionID string) error
}

// Store hands out Session objects over one Backend.
type Store struct {
	backend Backend

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Store persisting through b.
func New(b Backend) *Store {
	return &Store{backend: b, sessions: make(map[string]*Session)}
}

// Session returns the state object for id, creating it on first use.
func (s *Store) Session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{id: id, backend: s.backend, values: make(map[Field]any)}
		s.sessions[id] = sess
	}
	return sess
}

// Reset clears a session in memory and in the backend.
func (s *Store) Reset(ctx context.Context, id string) error {
	return s.Session(id).Reset(ctx)
}

// Session is the mutable state of one pipeline session. Stages receive it
// explicitly and each writes only the fields it owns.
type Session struct {
	id      string
	backend Backend

	mu     sync.RWMutex
	values map[Field]any
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

func get[T any](ctx context.Context, s *Session, f Field) (T, bool) {
	var zero T
	s.mu.RLock()
	v, ok := s.values[f]
	s.mu.RUnlock()
	if ok {
		t, ok := v.(T)
		return t, ok
	}

	data, err := s.backend.Load(ctx, s.id, f)
	if err != nil {
		if !errors.Is(err, ErrMissing) {
			slog.Warn("load session state", "session", s.id, "field", f, "error", err)
		}
		return zero, false
	}
	var t T
	if err := json.Unmarshal(data, &t); err != nil {
		slog.Warn("decode session state", "session", s.id, "field", f, "error", err)
		return zero, false
	}

	s.mu.Lock()
	if cur, ok := s.values[f]; ok {
		// A concurrent Set won.
		s.mu.Unlock()
		ct, ok := cur.(T)
		return ct, ok
	}
	s.values[f] = t
	s.mu.Unlock()
	return t, true
}

func set[T any](ctx context.Context, s *Session, f Field, v T) {
	s.mu.Lock()
	s.values[f] = v
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("encode session state", "session", s.id, "field", f, "error", err)
		return
	}
	if err := s.backend.Save(ctx, s.id, f, data); err != nil {
		slog.Warn("persist session state", "session", s.id, "field", f, "error", err)
	}
}

// Has reports whether the field is available in memory or in the backend.
func (s *Session) Has(ctx context.Context, f Field) bool {
	s.mu.RLock()
	_, ok := s.values[f]
	s.mu.RUnlock()
	if ok {
		return true
	}
	_, err := s.backend.Load(ctx, s.id, f)
	return err == nil
}

// QuestionBank returns the extracted (and annotated) bank.
func (s *Session) QuestionBank(ctx context.Context) (*model.QuestionBank, bool) {
	return get[*model.QuestionBank](ctx, s, FieldQuestionBank)
}

// SetQuestionBank stores the extracted bank.
func (s *Session) SetQuestionBank(ctx context.Context, b *model.QuestionBank) {
	set(ctx, s, FieldQuestionBank, b)
}

// Distribution returns the distribution model.
func (s *Session) Distribution(ctx context.Context) (*model.DistributionModel, bool) {
	return get[*model.DistributionModel](ctx, s, FieldDistribution)
}

// SetDistribution stores the distribution model.
func (s *Session) SetDistribution(ctx context.Context, d *model.DistributionModel) {
	set(ctx, s, FieldDistribution, d)
}

// SampleStructure returns the inferred section template.
func (s *Session) SampleStructure(ctx context.Context) (*model.SectionTemplate, bool) {
	return get[*model.SectionTemplate](ctx, s, FieldSampleStructure)
}

// SetSampleStructure stores the inferred section template.
func (s *Session) SetSampleStructure(ctx context.Context, t *model.SectionTemplate) {
	set(ctx, s, FieldSampleStructure, t)
}

// GeneratedExam returns the generated bank.
func (s *Session) GeneratedExam(ctx context.Context) (*model.QuestionBank, bool) {
	return get[*model.QuestionBank](ctx, s, FieldGeneratedExam)
}

// SetGeneratedExam stores the generated bank.
func (s *Session) SetGeneratedExam(ctx context.Context, b *model.QuestionBank) {
	set(ctx, s, FieldGeneratedExam, b)
}

// QualityReport returns the last quality report.
func (s *Session) QualityReport(ctx context.Context) (*model.QualityReport, bool) {
	return get[*model.QualityReport](ctx, s, FieldQualityReport)
}

// SetQualityReport stores the quality report.
func (s *Session) SetQualityReport(ctx context.Context, r *model.QualityReport) {
	set(ctx, s, FieldQualityReport, r)
}

// GradingReport returns the last learner grading report.
func (s *Session) GradingReport(ctx context.Context) (*model.GradingReport, bool) {
	return get[*model.GradingReport](ctx, s, FieldGradingReport)
}

// SetGradingReport stores a learner grading report.
func (s *Session) SetGradingReport(ctx context.Context, r *model.GradingReport) {
	set(ctx, s, FieldGradingReport, r)
}

// SourceText returns the raw text of the sample documents.
func (s *Session) SourceText(ctx context.Context) (string, bool) {
	return get[string](ctx, s, FieldSourceText)
}

// SetSourceText stores the raw text of the sample documents.
func (s *Session) SetSourceText(ctx context.Context, text string) {
	set(ctx, s, FieldSourceText, text)
}

// Snapshot returns every available field in a JSON-serializable map.
func (s *Session) Snapshot(ctx context.Context) map[string]any {
	out := make(map[string]any)
	for _, f := range Fields {
		s.mu.RLock()
		v, ok := s.values[f]
		s.mu.RUnlock()
		if ok {
			out[string(f)] = v
			continue
		}
		data, err := s.backend.Load(ctx, s.id, f)
		if err == nil {
			out[string(f)] = json.RawMessage(data)
		}
	}
	return out
}

// Summary describes which fields a session holds.
type Summary struct {
	SessionID          string   `json:"session_id"`
	Present            []string `json:"present"`
	Missing            []string `json:"missing"`
	QuestionCount      int      `json:"question_count"`
	GeneratedCount     int      `json:"generated_count"`
	SourceTextLength   int      `json:"source_text_length"`
	DistributionTotal  int      `json:"distribution_total"`
	SectionCount       int      `json:"section_count"`
	GradedAverageScore *float64 `json:"graded_average_score,omitempty"`
}

// Summary reports presence and sizes of the session's fields.
func (s *Session) Summary(ctx context.Context) Summary {
	sum := Summary{SessionID: s.id}
	for _, f := range Fields {
		if s.Has(ctx, f) {
			sum.Present = append(sum.Present, string(f))
		} else {
			sum.Missing = append(sum.Missing, string(f))
		}
	}
	sort.Strings(sum.Present)
	sort.Strings(sum.Missing)
	if b, ok := s.QuestionBank(ctx); ok {
		sum.QuestionCount = b.Len()
	}
	if b, ok := s.GeneratedExam(ctx); ok {
		sum.GeneratedCount = b.Len()
	}
	if t, ok := s.SourceText(ctx); ok {
		sum.SourceTextLength = len(t)
	}
	if d, ok := s.Distribution(ctx); ok && d != nil {
		sum.DistributionTotal = d.TotalQuestions
	}
	if t, ok := s.SampleStructure(ctx); ok && t != nil {
		sum.SectionCount = len(t.Sections)
	}
	if r, ok := s.GradingReport(ctx); ok && r != nil {
		avg := r.AverageScore
		sum.GradedAverageScore = &avg
	}
	return sum
}

// Reset clears every field in memory and deletes the persisted copies.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.values = make(map[Field]any)
	s.mu.Unlock()
	if err := s.backend.Delete(ctx, s.id); err != nil {
		return fmt.Errorf("delete session %s: %w", s.id, err)
	}
	return nil
}
