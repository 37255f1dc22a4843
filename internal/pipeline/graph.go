package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// Stage is the short name of a pipeline stage.
type Stage string

const (
	StageExtract    Stage = "extract"
	StageAnnotate   Stage = "annotate"
	StageDistribute Stage = "distribute"
	StageStructure  Stage = "structure"
	StageGenerate   Stage = "generate"
	StageQuality    Stage = "quality"
	StageGrade      Stage = "grade"
	StageAdvise     Stage = "advise"
)

// Graph is the static dependency graph. Its order is topological, so every
// prefix of it is runnable.
var Graph = []struct {
	Stage     Stage
	Alias     string
	DependsOn []Stage
}{
	{StageExtract, "A", nil},
	{StageAnnotate, "B", []Stage{StageExtract}},
	{StageDistribute, "C", []Stage{StageExtract, StageAnnotate}},
	{StageStructure, "D", []Stage{StageDistribute}},
	{StageGenerate, "E", []Stage{StageExtract, StageAnnotate, StageDistribute, StageStructure}},
	{StageQuality, "F", []Stage{StageGenerate}},
	{StageGrade, "G", []Stage{StageGenerate}},
	{StageAdvise, "H", []Stage{StageGrade}},
}

// Stages lists every stage in execution order.
func Stages() []Stage {
	out := make([]Stage, len(Graph))
	for i, n := range Graph {
		out[i] = n.Stage
	}
	return out
}

// ParseStage accepts a stage name or its single-letter alias, ignoring case.
func ParseStage(s string) (Stage, error) {
	s = strings.TrimSpace(s)
	for _, n := range Graph {
		if strings.EqualFold(s, string(n.Stage)) || strings.EqualFold(s, n.Alias) {
			return n.Stage, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q (want one of %s)", s, strings.Join(names(), ", "))
}

func names() []string {
	out := make([]string, len(Graph))
	for i, n := range Graph {
		out[i] = string(n.Stage)
	}
	return out
}

// Order returns the stages to execute to reach upTo: the prefix of the
// graph order ending at upTo.
func Order(upTo Stage) ([]Stage, error) {
	all := Stages()
	i := slices.Index(all, upTo)
	if i < 0 {
		return nil, fmt.Errorf("unknown stage %q", upTo)
	}
	return all[:i+1], nil
}

// Dependencies returns the direct dependencies of s.
func Dependencies(s Stage) []Stage {
	for _, n := range Graph {
		if n.Stage == s {
			return slices.Clone(n.DependsOn)
		}
	}
	return nil
}
