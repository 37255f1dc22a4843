package model

import "time"

// SubmissionExport is the top-level JSON structure for exported grading results.
type SubmissionExport struct {
	SessionID   string              `json:"session_id,omitempty"`
	ExportedAt  time.Time           `json:"exported_at"`
	Count       int                 `json:"count"`
	Submissions []SubmissionSummary `json:"submissions"`
}

// SubmissionSummary is one indexed grading report.
type SubmissionSummary struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	Student       string             `json:"student"`
	AverageScore  float64            `json:"average_score"`
	QuestionCount int                `json:"question_count"`
	FallbackCount int                `json:"fallback_count"`
	GradedAt      time.Time          `json:"graded_at"`
	Path          string             `json:"path"`
	Mastery       map[string]Mastery `json:"knowledge_mastery,omitempty"`
}
