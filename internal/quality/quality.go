// Package quality checks a generated exam: it unifies the question language,
// measures knowledge point coverage and flags near-duplicate stems.
package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/markup"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/outcome"
	"github.com/pavelanni/examforge/internal/schema"
	"github.com/pavelanni/examforge/internal/state"
)

const (
	// ChineseRatio is the share of Han characters above which a text is Chinese.
	ChineseRatio = 0.15
	// DuplicateThreshold is the stem similarity at which two questions are flagged.
	DuplicateThreshold = 0.85
)

var errEmptyTranslation = errors.New("translation has no stem")

// Stage runs quality control over the generated exam.
type Stage struct {
	llm       llm.Completer
	artifacts *artifact.Store
	policy    llm.Policy
	params    llm.Params
	now       func() time.Time
}

// Option configures a Stage.
type Option func(*Stage)

// WithPolicy overrides the translation retry policy.
func WithPolicy(p llm.Policy) Option {
	return func(s *Stage) { s.policy = p }
}

// New creates the stage. With a nil c mismatched questions are kept as they are.
func New(c llm.Completer, artifacts *artifact.Store, opts ...Option) *Stage {
	s := &Stage{
		llm:       c,
		artifacts: artifacts,
		policy:    llm.Policy{Attempts: 1},
		params: llm.Params{
			Purpose:     "translate",
			Temperature: 0.3,
			MaxTokens:   1000,
			Timeout:     120 * time.Second,
			JSONObject:  true,
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result is the corrected bank together with its report.
type Result struct {
	Bank   *model.QuestionBank
	Report *model.QualityReport
}

// Run checks the session's generated exam against target. A session without
// a generated exam fails with an error wrapping state.ErrMissing.
func (s *Stage) Run(ctx context.Context, sess *state.Session, target model.Language) outcome.Outcome[Result] {
	bank, ok := sess.GeneratedExam(ctx)
	if !ok && s.artifacts != nil {
		var err error
		if bank, err = s.artifacts.LoadBank(sess.ID(), model.VariantGenerated); err != nil {
			slog.Debug("no generated bank on disk", "session", sess.ID(), "error", err)
		}
	}
	if bank == nil {
		return outcome.Failed[Result](fmt.Errorf("quality control: generated exam: %w", state.ErrMissing))
	}
	if target == "" {
		target = model.LanguageEnglish
	}

	var notes outcome.Notes
	report := &model.QualityReport{
		SessionID:      sess.ID(),
		TargetLanguage: target,
		CheckedAt:      s.now(),
	}
	corrected := &model.QuestionBank{SessionID: sess.ID(), Sources: bank.Sources}
	for _, q := range bank.Questions {
		if DetectLanguage(q.Stem) == target {
			corrected.Questions = append(corrected.Questions, q)
			continue
		}
		t, err := s.translate(ctx, q, target)
		if err != nil {
			slog.Warn("translation failed, keeping original", "session", sess.ID(), "question", q.ID,
				"class", llm.ErrorClass(err), "error", err)
			report.TranslationFailures = append(report.TranslationFailures, q.ID)
			corrected.Questions = append(corrected.Questions, q)
			continue
		}
		report.Translated = append(report.Translated, q.ID)
		corrected.Questions = append(corrected.Questions, t)
	}
	if n := len(report.TranslationFailures); n > 0 {
		notes.Add(fmt.Sprintf("%d question(s) left untranslated", n))
	}

	dist, ok := sess.Distribution(ctx)
	if !ok {
		notes.Add("no distribution model, coverage not measured")
	}
	report.Coverage = Coverage(corrected, dist)
	report.Duplicates = Duplicates(corrected, DuplicateThreshold)

	sess.SetGeneratedExam(ctx, corrected)
	sess.SetQualityReport(ctx, report)
	if s.artifacts != nil {
		if _, err := s.artifacts.SaveBank(sess.ID(), model.VariantCorrected, corrected); err != nil {
			notes.Add(fmt.Sprintf("save corrected bank: %v", err))
		}
		if _, err := s.artifacts.SaveReport(sess.ID(), model.VariantCorrected, artifact.ReportQuality, report); err != nil {
			notes.Add(fmt.Sprintf("save quality report: %v", err))
		}
	}

	slog.Info("quality control done", "session", sess.ID(),
		"translated", len(report.Translated), "coverage", report.Coverage.Rate,
		"missing", len(report.Coverage.Missing), "duplicates", len(report.Duplicates))
	return outcome.Degraded(Result{Bank: corrected, Report: report}, notes...)
}

// translate asks the model for q in target language. Identity fields are
// kept from the original.
func (s *Stage) translate(ctx context.Context, q model.Question, target model.Language) (model.Question, error) {
	if s.llm == nil {
		return q, errors.New("no model configured")
	}
	data, err := json.Marshal(q)
	if err != nil {
		return q, fmt.Errorf("marshal question: %w", err)
	}
	system, user, err := prompts.Render(prompts.Translate, prompts.TranslateData{
		Language: string(target),
		Question: string(data),
	})
	if err != nil {
		return q, err
	}
	return llm.Retry(ctx, s.policy, func(ctx context.Context, _ int) (model.Question, error) {
		m, err := llm.CompleteObject(ctx, s.llm, system, user, s.params)
		if err != nil {
			return q, err
		}
		r := schema.Question(m)
		if strings.TrimSpace(r.Value.Stem) == "" {
			return q, errEmptyTranslation
		}
		t := r.Value
		t.ID = q.ID
		t.Score = q.Score
		t.Tags = q.Tags
		t.Extensions = q.Extensions
		if d, _ := m["difficulty"].(string); strings.TrimSpace(d) == "" {
			t.Difficulty = q.Difficulty
		}
		normalized := model.NormalizeQuestions([]model.Question{t})
		if len(normalized) == 0 {
			return q, errEmptyTranslation
		}
		return normalized[0], nil
	})
}

// DetectLanguage classifies text by its share of Han characters.
func DetectLanguage(text string) model.Language {
	if markup.CJKRatio(text) > ChineseRatio {
		return model.LanguageChinese
	}
	return model.LanguageEnglish
}

// NormalizeKnowledgePoint trims, applies NFKC and case-folds a knowledge
// point so full-width and case variants compare equal.
func NormalizeKnowledgePoint(kp string) string {
	return cases.Fold().String(norm.NFKC.String(strings.TrimSpace(kp)))
}

// Coverage is the share of the distribution's knowledge points that appear
// anywhere in bank. A point counts once no matter how many questions hit it.
func Coverage(bank *model.QuestionBank, dist *model.DistributionModel) model.Coverage {
	cov := model.Coverage{Covered: map[string]bool{}, Missing: []string{}}
	expected := dist.KnowledgePoints()
	if len(expected) == 0 {
		return cov
	}
	sort.Strings(expected)

	actual := map[string]bool{}
	for _, q := range bank.Flatten() {
		for _, kp := range q.KnowledgePoints {
			actual[NormalizeKnowledgePoint(kp)] = true
		}
	}

	distinct := map[string]bool{}
	hits := map[string]bool{}
	for _, kp := range expected {
		n := NormalizeKnowledgePoint(kp)
		if n == "" {
			continue
		}
		distinct[n] = true
		cov.Covered[kp] = actual[n]
		if actual[n] {
			hits[n] = true
		} else {
			cov.Missing = append(cov.Missing, kp)
		}
	}
	if len(distinct) > 0 {
		cov.Rate = float64(len(hits)) / float64(len(distinct))
	}
	return cov
}

// Duplicates compares every pair of top-level stems by TF-IDF cosine
// similarity and returns the pairs at or above threshold. Nothing is removed.
func Duplicates(bank *model.QuestionBank, threshold float64) []model.DuplicatePair {
	out := []model.DuplicatePair{}
	if bank.Len() < 2 {
		return out
	}
	docs := make([][]string, len(bank.Questions))
	texts := make([]string, len(bank.Questions))
	for i, q := range bank.Questions {
		plain := markup.PlainText(q.Stem)
		docs[i] = Tokenize(plain)
		texts[i] = normalizeStem(plain)
	}
	vecs := tfidf(docs)
	for i := range vecs {
		for j := i + 1; j < len(vecs); j++ {
			var sim float64
			if len(docs[i]) == 0 || len(docs[j]) == 0 {
				// Stems made only of stop words and symbols have no terms
				// to weigh; they match only when the text is the same.
				if texts[i] != "" && texts[i] == texts[j] {
					sim = 1
				}
			} else {
				sim = cosine(vecs[i], vecs[j])
			}
			if sim >= threshold {
				out = append(out, model.DuplicatePair{
					First:      bank.Questions[i].ID,
					Second:     bank.Questions[j].ID,
					Similarity: math.Round(sim*1e4) / 1e4,
				})
			}
		}
	}
	return out
}

func normalizeStem(text string) string {
	return strings.Join(strings.Fields(NormalizeKnowledgePoint(text)), " ")
}

// Tokenize splits text into lowercase terms: runs of letters and digits for
// alphabetic scripts and single characters for Han text. English stop words
// are dropped.
func Tokenize(text string) []string {
	var tokens []string
	var word []rune
	flush := func() {
		if len(word) > 1 {
			w := strings.ToLower(string(word))
			if !stopWords[w] {
				tokens = append(tokens, w)
			}
		}
		word = word[:0]
	}
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word = append(word, r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// tfidf builds L2-normalized vectors with smoothed idf, ln((1+n)/(1+df))+1.
func tfidf(docs [][]string) []map[string]float64 {
	df := map[string]int{}
	for _, doc := range docs {
		seen := map[string]bool{}
		for _, t := range doc {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	n := float64(len(docs))
	vecs := make([]map[string]float64, len(docs))
	for i, doc := range docs {
		v := map[string]float64{}
		for _, t := range doc {
			v[t]++
		}
		var sum float64
		for t, tf := range v {
			w := tf * (math.Log((1+n)/(1+float64(df[t]))) + 1)
			v[t] = w
			sum += w * w
		}
		if sum > 0 {
			l2 := math.Sqrt(sum)
			for t := range v {
				v[t] /= l2
			}
		}
		vecs[i] = v
	}
	return vecs
}

func cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		dot += w * b[t]
	}
	return dot
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "is": true, "are": true, "was": true,
	"be": true, "by": true, "as": true, "at": true, "it": true, "its": true, "this": true,
	"that": true, "these": true, "those": true, "from": true, "which": true, "what": true,
	"how": true, "why": true, "if": true, "then": true, "than": true, "do": true, "does": true,
	"can": true, "will": true, "should": true, "would": true, "into": true, "their": true,
}
