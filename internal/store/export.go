package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// IndexSubmission records a saved grading report.
func (s *Store) IndexSubmission(ctx context.Context, sub model.SubmissionSummary) error {
	mastery, err := json.Marshal(sub.Mastery)
	if err != nil {
		return fmt.Errorf("encode mastery: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, session_id, student, average_score, question_count, fallback_count, graded_at, path, mastery)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET average_score = ?, question_count = ?, fallback_count = ?, path = ?, mastery = ?`,
		sub.ID, sub.SessionID, sub.Student, sub.AverageScore, sub.QuestionCount, sub.FallbackCount,
		sub.GradedAt.UTC(), sub.Path, string(mastery),
		sub.AverageScore, sub.QuestionCount, sub.FallbackCount, sub.Path, string(mastery),
	)
	if err != nil {
		return fmt.Errorf("index submission %s: %w", sub.ID, err)
	}
	return nil
}

// ListSubmissions returns indexed submissions, oldest first. An empty
// sessionID lists all sessions.
func (s *Store) ListSubmissions(ctx context.Context, sessionID string) ([]model.SubmissionSummary, error) {
	query := `SELECT id, session_id, student, average_score, question_count, fallback_count, graded_at, path, mastery
		FROM submissions WHERE 1=1`
	var args []any
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY graded_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.SubmissionSummary
	for rows.Next() {
		var sub model.SubmissionSummary
		var mastery string
		if err := rows.Scan(&sub.ID, &sub.SessionID, &sub.Student, &sub.AverageScore, &sub.QuestionCount,
			&sub.FallbackCount, &sub.GradedAt, &sub.Path, &mastery); err != nil {
			return nil, err
		}
		if mastery != "" && mastery != "null" {
			if err := json.Unmarshal([]byte(mastery), &sub.Mastery); err != nil {
				return nil, fmt.Errorf("decode mastery of %s: %w", sub.ID, err)
			}
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ExportSubmissions builds the export document for one session, or for all
// sessions when sessionID is empty.
func (s *Store) ExportSubmissions(ctx context.Context, sessionID string) (model.SubmissionExport, error) {
	subs, err := s.ListSubmissions(ctx, sessionID)
	if err != nil {
		return model.SubmissionExport{}, fmt.Errorf("list submissions: %w", err)
	}
	if subs == nil {
		subs = []model.SubmissionSummary{}
	}
	return model.SubmissionExport{
		SessionID:   sessionID,
		ExportedAt:  time.Now().UTC(),
		Count:       len(subs),
		Submissions: subs,
	}, nil
}
