package pipeline

import (
	"context"
	"errors"

	"github.com/pavelanni/examforge/internal/annotate"
	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/state"
)

// StageHealth reports whether a stage's persisted artifact decodes.
type StageHealth struct {
	Stage   Stage  `json:"stage"`
	OK      bool   `json:"ok"`
	Missing bool   `json:"missing,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health is the per-stage view of what a session has on disk.
type Health struct {
	SessionID string        `json:"session_id"`
	Stages    []StageHealth `json:"stages"`
	// LastComplete is the latest stage whose artifact and every earlier
	// artifact loaded, or empty.
	LastComplete Stage `json:"last_complete,omitempty"`
}

// Healthy reports whether every stage artifact loaded.
func (h Health) Healthy() bool {
	for _, s := range h.Stages {
		if !s.OK {
			return false
		}
	}
	return true
}

// HealthCheck loads, not just stats, every stage's expected artifact. It
// detects runs that stopped part way since the pipeline keeps no record of
// which stages ran.
func (p *Pipeline) HealthCheck(ctx context.Context, sessionID string) (Health, error) {
	if err := state.ValidateSessionID(sessionID); err != nil {
		return Health{}, err
	}
	h := Health{SessionID: sessionID}
	complete := true
	for _, stage := range Stages() {
		if err := ctx.Err(); err != nil {
			return h, err
		}
		err := p.loadArtifact(sessionID, stage)
		sh := StageHealth{Stage: stage, OK: err == nil}
		if err != nil {
			sh.Missing = errors.Is(err, state.ErrMissing)
			sh.Error = err.Error()
			complete = false
		}
		if complete {
			h.LastComplete = stage
		}
		h.Stages = append(h.Stages, sh)
	}
	return h, nil
}

func (p *Pipeline) loadArtifact(sessionID string, stage Stage) error {
	if p.artifacts == nil {
		return errors.New("no artifact store configured")
	}
	a := p.artifacts
	switch stage {
	case StageExtract:
		_, err := a.LoadBank(sessionID, model.VariantOriginal)
		return err
	case StageAnnotate:
		var r annotate.Report
		return a.LoadReport(sessionID, model.VariantOriginal, artifact.ReportAnnotation, &r)
	case StageDistribute:
		var d model.DistributionModel
		return a.LoadReport(sessionID, model.VariantOriginal, artifact.ReportDistribution, &d)
	case StageStructure:
		var t model.SectionTemplate
		return a.LoadReport(sessionID, model.VariantOriginal, artifact.ReportSampleStructure, &t)
	case StageGenerate:
		_, err := a.LoadBank(sessionID, model.VariantGenerated)
		return err
	case StageQuality:
		_, err := a.LoadBank(sessionID, model.VariantCorrected)
		return err
	case StageGrade:
		if _, err := a.LoadBank(sessionID, model.VariantGraded); err == nil {
			return nil
		}
		_, err := a.LatestSubmission(sessionID)
		return err
	case StageAdvise:
		_, err := a.LatestAdvice(sessionID)
		return err
	}
	return errors.New("unknown stage " + string(stage))
}
