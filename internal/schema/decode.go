package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pavelanni/examforge/internal/model"
)

// fields reads loosely typed values from a decoded JSON object.
type fields struct {
	m    map[string]any
	path string
	d    *Diagnostics
}

func (f fields) lookup(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := f.m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// str returns the first present key as text; numbers are formatted.
func (f fields) str(keys ...string) (string, bool) {
	v, ok := f.lookup(keys...)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), strings.TrimSpace(t) != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func (f fields) strOr(def string, keys ...string) string {
	if s, ok := f.str(keys...); ok {
		return s
	}
	f.d.defaulted(f.path, keys[0])
	return def
}

var leadingNumber = regexp.MustCompile(`^\s*(-?\d+(?:\.\d+)?)`)

// num accepts numbers and numeric strings like "5" or "5分".
func (f fields) num(keys ...string) (float64, bool) {
	v, ok := f.lookup(keys...)
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		n, err := t.Float64()
		return n, err == nil
	case string:
		if m := leadingNumber.FindStringSubmatch(t); m != nil {
			n, err := strconv.ParseFloat(m[1], 64)
			return n, err == nil
		}
	}
	return 0, false
}

func (f fields) numOr(def float64, keys ...string) float64 {
	if n, ok := f.num(keys...); ok {
		return n
	}
	f.d.defaulted(f.path, keys[0])
	return def
}

var listSeparators = regexp.MustCompile(`[,，;；、]`)

// strs accepts an array of scalars or a single delimited string.
func (f fields) strs(keys ...string) []string {
	v, ok := f.lookup(keys...)
	if !ok {
		return nil
	}
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			switch s := item.(type) {
			case string:
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			case float64:
				out = append(out, strconv.FormatFloat(s, 'f', -1, 64))
			}
		}
	case string:
		for _, s := range listSeparators.Split(t, -1) {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (f fields) objects(keys ...string) []map[string]any {
	v, ok := f.lookup(keys...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Questions decodes an array of question nodes. Nodes that are not objects or
// have a blank stem are dropped (and recorded); sub-questions are decoded
// recursively. Missing difficulty, knowledge points and type are left for
// model.NormalizeQuestions to fill, but recorded here.
func Questions(items []any) Result[[]model.Question] {
	var r Result[[]model.Question]
	for i, item := range items {
		path := fmt.Sprintf("[%d]", i)
		m, ok := item.(map[string]any)
		if !ok {
			r.Dropped = append(r.Dropped, path+": not an object")
			continue
		}
		if q, ok := decodeQuestion(m, path, &r.Diagnostics); ok {
			r.Value = append(r.Value, q)
		}
	}
	return r
}

// Question decodes a single question object.
func Question(m map[string]any) Result[model.Question] {
	var r Result[model.Question]
	q, ok := decodeQuestion(m, "$", &r.Diagnostics)
	if ok {
		r.Value = q
	}
	return r
}

func decodeQuestion(m map[string]any, path string, d *Diagnostics) (model.Question, bool) {
	d.violations(path, Check(QuestionNode, m))
	f := fields{m: m, path: path, d: d}

	stem, ok := f.str("stem", "question", "content")
	if !ok {
		d.Dropped = append(d.Dropped, path+": empty stem")
		return model.Question{}, false
	}

	// Choice options have no field of their own; they stay part of the stem.
	if v, ok := f.lookup("options", "choices"); ok {
		if opts, ok := v.([]any); ok {
			var lines []string
			for _, o := range opts {
				if s, ok := o.(string); ok && strings.TrimSpace(s) != "" {
					lines = append(lines, strings.TrimSpace(s))
				}
			}
			if len(lines) > 0 {
				stem += "\n" + strings.Join(lines, "\n")
			}
		}
	}

	q := model.Question{Stem: stem}
	q.ID, _ = f.str("id")
	q.Label, _ = f.str("label")
	q.Answer = f.strOr(model.AnswerPlaceholder, "answer")
	q.Explanation, _ = f.str("explanation", "analysis")

	if s, ok := f.str("difficulty"); ok {
		q.Difficulty = model.ParseDifficulty(s)
	} else {
		d.defaulted(path, "difficulty")
		q.Difficulty = model.DifficultyMedium
	}

	q.KnowledgePoints = f.strs("knowledge_points", "knowledge_point", "kps")
	if len(q.KnowledgePoints) == 0 {
		d.defaulted(path, "knowledge_points")
		q.KnowledgePoints = []string{model.DefaultKnowledgePoint}
	}

	q.QuestionType = f.strOr(model.TypeShortAnswer, "question_type", "type")
	q.Score = f.numOr(0, "score", "points")
	if q.Score < 0 {
		q.Score = 0
	}

	for i, child := range f.objects("sub_questions", "subquestions", "children") {
		childPath := fmt.Sprintf("%s.sub_questions[%d]", path, i)
		if sub, ok := decodeQuestion(child, childPath, d); ok {
			q.SubQuestions = append(q.SubQuestions, sub)
		}
	}
	return q, true
}

// AnnotationValue is the classification of one question.
type AnnotationValue struct {
	Difficulty      model.Difficulty
	KnowledgePoints []string
	QuestionType    string
}

// DefaultAnnotation is the neutral classification used when the model fails.
func DefaultAnnotation() AnnotationValue {
	return AnnotationValue{
		Difficulty:      model.DifficultyMedium,
		KnowledgePoints: []string{model.DefaultKnowledgePoint},
		QuestionType:    model.TypeShortAnswer,
	}
}

// DecodeAnnotation decodes a classification object.
func DecodeAnnotation(m map[string]any) Result[AnnotationValue] {
	var r Result[AnnotationValue]
	r.violations("$", Check(Annotation, m))
	f := fields{m: m, path: "$", d: &r.Diagnostics}
	r.Value = DefaultAnnotation()

	if s, ok := f.str("difficulty"); ok {
		r.Value.Difficulty = model.ParseDifficulty(s)
	} else {
		r.defaulted("$", "difficulty")
	}
	if kps := f.strs("knowledge_points", "knowledge_point"); len(kps) > 0 {
		r.Value.KnowledgePoints = kps
	} else {
		r.defaulted("$", "knowledge_points")
	}
	r.Value.QuestionType = f.strOr(model.TypeShortAnswer, "question_type", "type")
	return r
}

// Verdict is a model's judgment of one answer.
type Verdict struct {
	Score      float64
	Feedback   string
	Issues     []string
	Suggestion string
}

// DecodeVerdict decodes a grading object and clamps the score to 0..100. A
// missing score is a hard decoding failure (ok is false) because no neutral
// score exists.
func DecodeVerdict(m map[string]any) (Result[Verdict], bool) {
	var r Result[Verdict]
	r.violations("$", Check(Grade, m))
	f := fields{m: m, path: "$", d: &r.Diagnostics}

	score, ok := f.num("score")
	if !ok {
		return r, false
	}
	r.Value.Score = Clamp(score, 0, 100)
	r.Value.Feedback = f.strOr("", "feedback")
	r.Value.Issues = f.strs("issues")
	r.Value.Suggestion, _ = f.str("suggestion", "improvement")
	return r, true
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// DecodePlan decodes a remediation plan. ok is false when the object has
// neither priorities nor a plan text.
func DecodePlan(m map[string]any) (Result[model.StudyPlan], bool) {
	var r Result[model.StudyPlan]
	r.violations("$", Check(Advice, m))
	f := fields{m: m, path: "$", d: &r.Diagnostics}

	for i, p := range f.objects("priorities") {
		pf := fields{m: p, path: fmt.Sprintf("$.priorities[%d]", i), d: &r.Diagnostics}
		topic, ok := pf.str("topic", "knowledge_point")
		if !ok {
			r.Dropped = append(r.Dropped, pf.path+": empty topic")
			continue
		}
		r.Value.Priorities = append(r.Value.Priorities, model.Priority{
			Topic:     topic,
			Reason:    pf.strOr("", "reason"),
			Resources: pf.strs("resources"),
		})
	}
	r.Value.Plan, _ = f.str("study_plan", "plan")
	r.Value.Suggestions = f.strs("practice_suggestions", "suggestions")
	r.Value.EstimatedHours = Clamp(f.numOr(0, "estimated_hours", "hours"), 0, 1000)

	if len(r.Value.Priorities) == 0 && r.Value.Plan == "" {
		return r, false
	}
	return r, true
}

// AnswerValue is a reference answer produced for a single question.
type AnswerValue struct {
	Answer      string
	Explanation string
}

// DecodeAnswer decodes a reference answer object.
func DecodeAnswer(m map[string]any) (Result[AnswerValue], bool) {
	var r Result[AnswerValue]
	r.violations("$", Check(TableAnswer, m))
	f := fields{m: m, path: "$", d: &r.Diagnostics}
	answer, ok := f.str("answer")
	if !ok || model.IsPlaceholderAnswer(answer) {
		return r, false
	}
	r.Value.Answer = answer
	r.Value.Explanation, _ = f.str("explanation")
	return r, true
}
