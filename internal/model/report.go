package model

import "time"

// Issue labels attached to graded answers.
const (
	IssueEmptyAnswer   = "empty answer"
	IssueMissingAnswer = "missing answer"
	IssueWrongAnswer   = "incorrect answer"
	IssuePartialMatch  = "partial match"
	IssueNeedsReview   = "manual review"
)

// ReportKind distinguishes self-grading of a generated bank from grading a learner.
type ReportKind string

const (
	ReportSelfCheck  ReportKind = "self_check"
	ReportSubmission ReportKind = "submission"
)

// MasteryLevel classifies a knowledge point mastery ratio.
type MasteryLevel string

const (
	MasteryGood             MasteryLevel = "good"
	MasteryFair             MasteryLevel = "fair"
	MasteryNeedsImprovement MasteryLevel = "needs improvement"
)

// MasteryLevelFor classifies ratio: good at 0.8 and above, fair at 0.6 and above.
func MasteryLevelFor(ratio float64) MasteryLevel {
	switch {
	case ratio >= 0.8:
		return MasteryGood
	case ratio >= 0.6:
		return MasteryFair
	default:
		return MasteryNeedsImprovement
	}
}

// GradeRecord is the result of grading one answer.
type GradeRecord struct {
	QuestionID      string   `json:"question_id"`
	Stem            string   `json:"stem"`
	QuestionType    string   `json:"question_type"`
	KnowledgePoints []string `json:"knowledge_points"`
	Answer          string   `json:"answer"`
	Reference       string   `json:"reference_answer,omitempty"`
	Score           float64  `json:"score"`
	Feedback        string   `json:"feedback"`
	Issues          []string `json:"issues"`
	Suggestion      string   `json:"suggestion,omitempty"`
	Fallback        bool     `json:"fallback,omitempty"`
}

// Mastery is the aggregated score ratio for one knowledge point.
type Mastery struct {
	Ratio         float64      `json:"ratio"`
	Level         MasteryLevel `json:"level"`
	QuestionCount int          `json:"question_count"`
}

// GradingReport aggregates per-question grades.
type GradingReport struct {
	ID              string             `json:"id"`
	SessionID       string             `json:"session_id"`
	Student         string             `json:"student,omitempty"`
	Kind            ReportKind         `json:"kind"`
	GradedAt        time.Time          `json:"graded_at"`
	Records         []GradeRecord      `json:"records"`
	AverageScore    float64            `json:"average_score"`
	Mastery         map[string]Mastery `json:"knowledge_mastery,omitempty"`
	TypeAverages    map[string]float64 `json:"type_averages,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	FallbackCount   int                `json:"fallback_count"`
}

// DuplicatePair flags two questions with similar stems.
type DuplicatePair struct {
	First      string  `json:"first"`
	Second     string  `json:"second"`
	Similarity float64 `json:"similarity"`
}

// Coverage is the binary hit/miss knowledge point coverage of a bank.
type Coverage struct {
	Rate    float64         `json:"coverage_rate"`
	Covered map[string]bool `json:"covered_map"`
	Missing []string        `json:"missing"`
}

// QualityReport is produced by the quality control stage.
type QualityReport struct {
	SessionID           string          `json:"session_id"`
	TargetLanguage      Language        `json:"target_language"`
	Translated          []string        `json:"translated,omitempty"`
	TranslationFailures []string        `json:"translation_failures,omitempty"`
	Coverage            Coverage        `json:"coverage"`
	Duplicates          []DuplicatePair `json:"duplicates"`
	CheckedAt           time.Time       `json:"checked_at"`
}

// WeakPoint is a knowledge point below the mastery threshold.
type WeakPoint struct {
	KnowledgePoint string  `json:"knowledge_point"`
	Ratio          float64 `json:"ratio"`
}

// WeakType is a question type with a low average score.
type WeakType struct {
	QuestionType string  `json:"question_type"`
	Average      float64 `json:"average"`
}

// DifficultQuestion is an individually low-scoring question.
type DifficultQuestion struct {
	QuestionID string  `json:"question_id"`
	Stem       string  `json:"stem"`
	Score      float64 `json:"score"`
}

// IssueCount is how often an issue label recurred.
type IssueCount struct {
	Issue string `json:"issue"`
	Count int    `json:"count"`
}

// WeaknessAnalysis is derived from a grading report.
type WeaknessAnalysis struct {
	WeakKnowledgePoints []WeakPoint         `json:"weak_knowledge_points"`
	WeakTypes           []WeakType          `json:"weak_types"`
	DifficultQuestions  []DifficultQuestion `json:"difficult_questions"`
	CommonIssues        []IssueCount        `json:"common_issues"`
}

// Priority is one topic in a remediation plan.
type Priority struct {
	Topic     string   `json:"topic"`
	Reason    string   `json:"reason"`
	Resources []string `json:"resources"`
}

// StudyPlan is a remediation plan for a learner.
type StudyPlan struct {
	Priorities     []Priority `json:"priorities"`
	Plan           string     `json:"study_plan"`
	Suggestions    []string   `json:"practice_suggestions"`
	EstimatedHours float64    `json:"estimated_hours"`
}

// AdvisoryReport bundles the analysis and plan for one learner.
type AdvisoryReport struct {
	ID           string           `json:"id"`
	SessionID    string           `json:"session_id"`
	Student      string           `json:"student,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	Analysis     WeaknessAnalysis `json:"analysis"`
	Plan         StudyPlan        `json:"plan"`
	AverageScore float64          `json:"average_score"`
	Fallback     bool             `json:"fallback,omitempty"`
}
