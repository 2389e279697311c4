// Package ctest drives the two CTest dashboard steps: the update step that
// writes Testing/Update.xml, and the experimental build/test/submit step.
package ctest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"ctestci/internal/config"
	"ctestci/internal/core"
	"ctestci/internal/runner"
)

type Step struct {
	Stage          string
	Args           []string
	TimeoutSeconds int
}

func Update(cfg config.Config) Step {
	return Step{
		Stage:          core.StageUpdate,
		Args:           cfg.Update.Args,
		TimeoutSeconds: cfg.Update.TimeoutSeconds,
	}
}

func Build(cfg config.Config) Step {
	return Step{
		Stage:          core.StageBuild,
		Args:           cfg.Build.Args,
		TimeoutSeconds: cfg.Build.TimeoutSeconds,
	}
}

// Command builds the runner invocation for the step, rooted at the build dir
// with per-stage logs under the run's artifact root.
func (s Step) Command(rc core.RunContext) runner.Command {
	outputDir := filepath.Join(rc.ArtifactRoot, s.Stage)
	args := append([]string{rc.Config.CTest}, s.Args...)

	return runner.Command{
		Args:           args,
		Cwd:            rc.Config.BuildDir,
		TimeoutSeconds: s.TimeoutSeconds,
		StdoutPath:     filepath.Join(outputDir, "stdout.log"),
		StderrPath:     filepath.Join(outputDir, "stderr.log"),
		Console:        rc.Console,
	}
}

// Run executes the step. A non-zero ctest status is reported in the outcome,
// not as an error.
func (s Step) Run(ctx context.Context, rc core.RunContext) (core.StepOutcome, error) {
	cmd := s.Command(rc)
	result, err := rc.Runner.Run(ctx, cmd)
	if err != nil {
		return core.StepOutcome{}, fmt.Errorf("%s step: %w", s.Stage, err)
	}

	return core.StepOutcome{
		Stage:      s.Stage,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
		Artifacts: Artifacts(rc.Fs, rc.RunID, s.Stage, map[string]string{
			"stdout": result.StdoutPath,
			"stderr": result.StderrPath,
		}),
	}, nil
}

// Artifacts describes the files that exist among paths, keyed by kind.
// Missing files are skipped.
func Artifacts(fs afero.Fs, runID string, stage string, paths map[string]string) []core.ArtifactRecord {
	kinds := []string{"stdout", "stderr", "document"}
	out := make([]core.ArtifactRecord, 0, len(paths))
	for _, kind := range kinds {
		path, ok := paths[kind]
		if !ok || path == "" {
			continue
		}
		artifact, err := newArtifact(fs, runID, stage, kind, path)
		if err != nil {
			continue
		}
		out = append(out, artifact)
	}
	return out
}

func newArtifact(fs afero.Fs, runID string, stage string, kind string, path string) (core.ArtifactRecord, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return core.ArtifactRecord{}, err
	}
	sum, err := fileSHA256(fs, path)
	if err != nil {
		return core.ArtifactRecord{}, err
	}
	return core.ArtifactRecord{
		RunID:     runID,
		Stage:     stage,
		Kind:      kind,
		Path:      path,
		SHA256:    sum,
		SizeBytes: info.Size(),
		CreatedAt: time.Now(),
	}, nil
}

func fileSHA256(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
