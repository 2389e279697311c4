package core

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
)

const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusAborted   = "aborted"
)

const (
	StageUpdate = "update"
	StagePatch  = "patch"
	StageBuild  = "build"
)

// NoExitCode marks a step that never ran.
const NoExitCode = -1

type RunRecord struct {
	RunID            string
	BuildDir         string
	Revision         string
	ReportedRevision string
	UpdateExitCode   int
	BuildExitCode    int
	ExitCode         int
	Status           string
	Error            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Config           string
}

type ArtifactRecord struct {
	RunID     string
	Stage     string
	Kind      string
	Path      string
	SHA256    string
	SizeBytes int64
	CreatedAt time.Time
}

// StepOutcome is the result of one ctest invocation.
type StepOutcome struct {
	Stage      string
	ExitCode   int
	DurationMs int64
	Artifacts  []ArtifactRecord
}

func NewRunID() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return fmt.Sprintf("run-%s", id.String()), nil
}
