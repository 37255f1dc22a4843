// Package artifact reads and writes the JSON files each pipeline stage leaves
// on disk. A file lives at {base}/{session}/{variant}/{kind}/{name}.json, where
// the variant directory is omitted for the original bank. Files written by
// older releases used {base}/{session}{variant}/{kind}/{name}.json; reads fall
// back to that layout when the current one is absent.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/state"
)

// Kind is the artifact directory inside a variant.
type Kind string

const (
	KindQuiz        Kind = "quiz"
	KindReports     Kind = "reports"
	KindSubmissions Kind = "submissions"
	KindAdvice      Kind = "learning_advice"
)

// Report names.
const (
	ReportAnnotation      = "annotation"
	ReportDistribution    = "distribution_model"
	ReportSampleStructure = "sample_structure"
	ReportQuality         = "quality_report"
	ReportGrade           = "grade_report"
)

const (
	bankName    = "question_bank"
	answersName = "standard_answers.txt"
)

// DerivedVariants are the variants a cache clear removes.
var DerivedVariants = []model.Variant{model.VariantGenerated, model.VariantCorrected, model.VariantGraded}

// Store is rooted at the data directory.
type Store struct {
	base string
	now  func() time.Time
}

// New returns a Store rooted at base.
func New(base string) *Store {
	return &Store{base: base, now: time.Now}
}

// Base returns the data directory.
func (s *Store) Base() string { return s.base }

// Path returns the current-layout path of an artifact.
func (s *Store) Path(sessionID string, v model.Variant, kind Kind, name string) string {
	return filepath.Join(s.variantDir(sessionID, v), string(kind), name+".json")
}

func (s *Store) variantDir(sessionID string, v model.Variant) string {
	if v == model.VariantOriginal {
		return filepath.Join(s.base, sessionID)
	}
	return filepath.Join(s.base, sessionID, string(v))
}

func (s *Store) legacyPath(sessionID string, v model.Variant, kind Kind, name string) string {
	return filepath.Join(s.base, sessionID+string(v), string(kind), name+".json")
}

// WriteJSON writes value as indented JSON and returns the file path.
func (s *Store) WriteJSON(sessionID string, v model.Variant, kind Kind, name string, value any) (string, error) {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	path := s.Path(sessionID, v, kind, name)
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	if err := writeFile(path, data); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// ReadJSON decodes an artifact into dst, trying the current layout first and
// the legacy layout second. A missing file wraps state.ErrMissing.
func (s *Store) ReadJSON(sessionID string, v model.Variant, kind Kind, name string, dst any) (string, error) {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	for _, path := range []string{s.Path(sessionID, v, kind, name), s.legacyPath(sessionID, v, kind, name)} {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return path, fmt.Errorf("read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, dst); err != nil {
			return path, fmt.Errorf("decode %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%s%s %s/%s: %w", sessionID, v, kind, name, state.ErrMissing)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// bankEnvelope is the on-disk shape of a question bank. Older files carry
// the session id as conversation_id.
type bankEnvelope struct {
	SessionID      string              `json:"session_id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	SavedAt        string              `json:"saved_at"`
	QuestionCount  int                 `json:"question_count"`
	QuestionBank   *model.QuestionBank `json:"question_bank"`
}

// SaveBank writes a bank variant plus a plain-text answer sheet next to it.
func (s *Store) SaveBank(sessionID string, v model.Variant, bank *model.QuestionBank) (string, error) {
	if bank == nil {
		bank = &model.QuestionBank{SessionID: sessionID}
	}
	now := s.now()
	env := bankEnvelope{
		SessionID:     sessionID,
		SavedAt:       now.Format(time.RFC3339),
		QuestionCount: bank.Len(),
		QuestionBank:  bank,
	}
	path, err := s.WriteJSON(sessionID, v, KindQuiz, bankName, env)
	if err != nil {
		return "", err
	}
	sheet := filepath.Join(filepath.Dir(path), answersName)
	if err := writeFile(sheet, []byte(AnswerSheet(sessionID, bank, now))); err != nil {
		slog.Warn("write answer sheet", "path", sheet, "error", err)
	}
	return path, nil
}

// LoadBank reads a bank variant.
func (s *Store) LoadBank(sessionID string, v model.Variant) (*model.QuestionBank, error) {
	var env bankEnvelope
	path, err := s.ReadJSON(sessionID, v, KindQuiz, bankName, &env)
	if err != nil {
		return nil, err
	}
	if env.QuestionBank == nil {
		return nil, fmt.Errorf("%s: no question_bank in envelope: %w", path, state.ErrMissing)
	}
	if env.QuestionBank.SessionID == "" {
		env.QuestionBank.SessionID = env.SessionID
		if env.QuestionBank.SessionID == "" {
			env.QuestionBank.SessionID = env.ConversationID
		}
	}
	return env.QuestionBank, nil
}

// AnswerSheet renders the reference answers in the numbered text format
// learners can copy when submitting.
func AnswerSheet(sessionID string, bank *model.QuestionBank, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Reference answers\n# Session: %s\n# Generated: %s\n# Questions: %d\n",
		sessionID, at.Format("2006-01-02 15:04:05"), bank.Len())
	b.WriteString("#" + strings.Repeat("=", 60) + "\n\n")
	for i, q := range bank.Questions {
		fmt.Fprintf(&b, "%d. %s\n%s\n\n", i+1, q.Answer, AnswerSeparator)
	}
	return b.String()
}

// AnswerSeparator terminates a possibly multi-line answer in an answer sheet.
const AnswerSeparator = "---END_OF_ANSWER---"

// SaveReport writes a named report inside a variant.
func (s *Store) SaveReport(sessionID string, v model.Variant, name string, value any) (string, error) {
	return s.WriteJSON(sessionID, v, KindReports, name, value)
}

// LoadReport reads a named report.
func (s *Store) LoadReport(sessionID string, v model.Variant, name string, dst any) error {
	_, err := s.ReadJSON(sessionID, v, KindReports, name, dst)
	return err
}

var unsafeName = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

func fileLabel(name string) string {
	name = unsafeName.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "anonymous"
	}
	return name
}

func (s *Store) stamp(t time.Time) string {
	if t.IsZero() {
		t = s.now()
	}
	return t.Format("20060102_150405")
}

// SaveSubmission writes a learner grading report under submissions/.
func (s *Store) SaveSubmission(sessionID string, r *model.GradingReport) (string, error) {
	name := fmt.Sprintf("submission_%s_%s", fileLabel(r.Student), s.stamp(r.GradedAt))
	return s.WriteJSON(sessionID, model.VariantOriginal, KindSubmissions, name, r)
}

// SaveAdvice writes an advisory report under learning_advice/.
func (s *Store) SaveAdvice(sessionID string, r *model.AdvisoryReport) (string, error) {
	name := fmt.Sprintf("advice_%s_%s", fileLabel(r.Student), s.stamp(r.CreatedAt))
	return s.WriteJSON(sessionID, model.VariantOriginal, KindAdvice, name, r)
}

// LatestSubmission reads the most recent saved learner grading report.
func (s *Store) LatestSubmission(sessionID string) (*model.GradingReport, error) {
	var r model.GradingReport
	if err := s.latest(sessionID, KindSubmissions, "submission_", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// LatestAdvice reads the most recent saved advisory report.
func (s *Store) LatestAdvice(sessionID string) (*model.AdvisoryReport, error) {
	var r model.AdvisoryReport
	if err := s.latest(sessionID, KindAdvice, "advice_", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// latest decodes the newest file of a kind. Timestamped names sort
// chronologically per learner, so modification time decides across learners.
func (s *Store) latest(sessionID string, kind Kind, prefix string, dst any) error {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return err
	}
	dir := filepath.Join(s.base, sessionID, string(kind))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", sessionID, kind, state.ErrMissing)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", dir, err)
	}
	type candidate struct {
		name string
		mod  time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{e.Name(), info.ModTime()})
	}
	if len(files) == 0 {
		return fmt.Errorf("%s %s: %w", sessionID, kind, state.ErrMissing)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].mod.Equal(files[j].mod) {
			return files[i].mod.After(files[j].mod)
		}
		return files[i].name > files[j].name
	})
	path := filepath.Join(dir, files[0].name)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// BankInfo describes a saved original bank.
type BankInfo struct {
	SessionID     string `json:"session_id"`
	QuestionCount int    `json:"question_count"`
	SavedAt       string `json:"saved_at"`
}

// Sessions lists sessions that have a saved original bank.
func (s *Store) Sessions() ([]BankInfo, error) {
	entries, err := os.ReadDir(s.base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.base, err)
	}
	var out []BankInfo
	for _, e := range entries {
		if !e.IsDir() || state.ValidateSessionID(e.Name()) != nil || isLegacyVariantDir(e.Name()) {
			continue
		}
		var env bankEnvelope
		if _, err := s.ReadJSON(e.Name(), model.VariantOriginal, KindQuiz, bankName, &env); err != nil {
			continue
		}
		out = append(out, BankInfo{SessionID: e.Name(), QuestionCount: env.QuestionCount, SavedAt: env.SavedAt})
	}
	return out, nil
}

func isLegacyVariantDir(name string) bool {
	for _, v := range DerivedVariants {
		if strings.HasSuffix(name, string(v)) {
			return true
		}
	}
	return false
}

// RemoveDerived deletes the generated, corrected and graded variant
// directories of a session in both layouts. The original bank is kept.
func (s *Store) RemoveDerived(sessionID string) error {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return err
	}
	var errs []error
	for _, v := range DerivedVariants {
		for _, dir := range []string{s.variantDir(sessionID, v), filepath.Join(s.base, sessionID+string(v))} {
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
