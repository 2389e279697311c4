package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"ctestci/internal/config"
	"ctestci/internal/core"
	"ctestci/internal/ctest"
	"ctestci/internal/eventlog"
	"ctestci/internal/repo"
	"ctestci/internal/revision"
	"ctestci/internal/runner"
	"ctestci/internal/store"
)

// Command runs one CTest dashboard submission: update, revision patch, build.
// Revision is the identifier of the change under test; the caller reads it
// from the environment.
type Command struct {
	Config   config.Config
	Revision string
	Logger   *zap.Logger
	Console  io.Writer

	// Optional collaborators, defaulted when nil.
	Runner  runner.Runner
	Fs      afero.Fs
	Adapter *repo.Adapter
	// History overrides the SQLite store opened from Config.DBPath.
	History History
}

type Result struct {
	RunID    string
	Status   string
	ExitCode int
	Update   core.StepOutcome
	Patch    revision.Result
	Build    core.StepOutcome
}

// History records runs. *store.SQLiteStore implements it.
type History interface {
	CreateRun(ctx context.Context, run core.RunRecord) error
	RecordStep(ctx context.Context, runID string, stage string, exitCode int) error
	RecordPatch(ctx context.Context, runID string, reportedRevision string) error
	FinishRun(ctx context.Context, runID string, status string, exitCode int, errMsg string) error
	AddArtifact(ctx context.Context, artifact core.ArtifactRecord) error
}

// Run returns the build step's exit status in Result.ExitCode. A non-nil
// error means the run was aborted; ExitCode then holds the code from
// ExitCode(err).
func (c Command) Run(ctx context.Context) (Result, error) {
	cfg := c.Config
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := cfg.Validate(); err != nil {
		return aborted(err)
	}
	if c.Revision == "" {
		return aborted(fmt.Errorf("%w: $%s is empty", ErrMissingRevision, cfg.RevisionEnv))
	}

	adapter := c.Adapter
	if adapter == nil {
		adapter = repo.NewAdapter()
	}
	profile, err := adapter.Detect(cfg.BuildDir)
	if err != nil {
		return aborted(fmt.Errorf("%w: %v", ErrBuildTree, err))
	}
	if !profile.Submittable() {
		logger.Warn("DartConfiguration.tcl not found, ctest will not be able to submit",
			zap.String("build_dir", profile.BuildDir))
	}
	if !profile.HasCTestTestfile {
		logger.Warn("CTestTestfile.cmake not found, the build step will run no tests",
			zap.String("build_dir", profile.BuildDir))
	}
	if !profile.HasTestingDir {
		logger.Debug("Testing directory not found, the update step will create it",
			zap.String("build_dir", profile.BuildDir))
	}
	ctestPath, err := adapter.ResolveCTest(cfg.CTest)
	if err != nil {
		return aborted(fmt.Errorf("%w: %v", ErrCTestUnavailable, err))
	}
	cfg.BuildDir = profile.BuildDir
	cfg.CTest = ctestPath

	runID, err := core.NewRunID()
	if err != nil {
		return aborted(err)
	}
	logger = logger.With(zap.String("run_id", runID))

	artifactRoot := cfg.RunArtifactDir(runID)
	if err := os.MkdirAll(artifactRoot, 0o755); err != nil {
		return aborted(fmt.Errorf("create artifact root: %w", err))
	}

	events, err := eventlog.New(filepath.Join(artifactRoot, "events.jsonl"))
	if err != nil {
		return aborted(err)
	}
	defer events.Close()

	history := c.History
	if history == nil {
		opened, err := openHistory(ctx, cfg.HistoryPath())
		if err != nil {
			logger.Warn("run history unavailable, continuing without it", zap.Error(err))
			opened = noHistory{}
		}
		defer opened.Close()
		history = opened
	}

	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return aborted(fmt.Errorf("marshal config: %w", err))
	}

	if err := history.CreateRun(ctx, core.RunRecord{
		RunID:     runID,
		BuildDir:  cfg.BuildDir,
		Revision:  c.Revision,
		Status:    core.RunStatusRunning,
		StartedAt: time.Now(),
		Config:    string(configJSON),
	}); err != nil {
		logger.Warn("failed to record run, continuing without history", zap.Error(err))
		history = noHistory{}
	}

	fs := c.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	r := c.Runner
	if r == nil {
		r = runner.NewGenericRunner(artifactRoot)
	}

	p := &pipeline{
		rc: core.RunContext{
			RunID:        runID,
			ArtifactRoot: artifactRoot,
			Config:       cfg,
			Runner:       r,
			EventLog:     events,
			Fs:           fs,
			Console:      c.Console,
		},
		history:  history,
		logger:   logger,
		revision: c.Revision,
		result:   Result{RunID: runID, Status: core.RunStatusRunning},
	}
	p.emit("info", "run_started", "", map[string]string{
		"build_dir": cfg.BuildDir,
		"revision":  c.Revision,
	})
	return p.run(ctx)
}

type pipeline struct {
	rc       core.RunContext
	history  History
	logger   *zap.Logger
	revision string
	result   Result
}

func (p *pipeline) run(ctx context.Context) (Result, error) {
	cfg := p.rc.Config

	update, err := p.step(ctx, ctest.Update(cfg))
	if err != nil {
		return p.finalize(err)
	}
	p.result.Update = update
	if update.ExitCode != 0 {
		if cfg.Update.Required {
			return p.finalize(fmt.Errorf("%w: exit status %d", ErrUpdateFailed, update.ExitCode))
		}
		p.logger.Warn("ctest update step failed, continuing",
			zap.String("stage", core.StageUpdate), zap.Int("exit_code", update.ExitCode))
	}

	patch, err := p.patch(ctx)
	if err != nil {
		return p.finalize(err)
	}
	p.result.Patch = patch

	build, err := p.step(ctx, ctest.Build(cfg))
	if err != nil {
		return p.finalize(err)
	}
	p.result.Build = build
	p.result.ExitCode = build.ExitCode

	p.result.Status = core.RunStatusSucceeded
	if build.ExitCode != 0 {
		p.result.Status = core.RunStatusFailed
	}
	if err := p.history.FinishRun(context.Background(), p.rc.RunID, p.result.Status, build.ExitCode, ""); err != nil {
		p.historyFailed(core.StageBuild, fmt.Errorf("finish run: %w", err))
	}
	p.emit("info", "run_finished", "", map[string]interface{}{
		"status":    p.result.Status,
		"exit_code": build.ExitCode,
	})
	p.logger.Info("run finished",
		zap.String("status", p.result.Status),
		zap.Int("exit_code", build.ExitCode))

	return p.result, nil
}

func (p *pipeline) step(ctx context.Context, step ctest.Step) (core.StepOutcome, error) {
	p.logger.Info("running ctest",
		zap.String("stage", step.Stage),
		zap.Stringer("command", step.Command(p.rc)))

	outcome, err := step.Run(ctx, p.rc)
	if err != nil {
		return core.StepOutcome{}, err
	}

	if err := p.history.RecordStep(ctx, p.rc.RunID, step.Stage, outcome.ExitCode); err != nil {
		p.historyFailed(step.Stage, fmt.Errorf("record %s step: %w", step.Stage, err))
	}
	p.addArtifacts(ctx, step.Stage, outcome.Artifacts)

	p.emit("info", step.Stage+"_finished", step.Stage, map[string]int64{
		"exit_code":   int64(outcome.ExitCode),
		"duration_ms": outcome.DurationMs,
	})
	p.logger.Info("ctest finished",
		zap.String("stage", step.Stage),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("duration", time.Duration(outcome.DurationMs)*time.Millisecond))
	return outcome, nil
}

func (p *pipeline) patch(ctx context.Context) (revision.Result, error) {
	path := p.rc.Config.DocumentPath()
	patcher := &revision.Patcher{Fs: p.rc.Fs, Element: p.rc.Config.RevisionElement}

	result, err := patcher.Patch(path, p.revision)
	if err != nil {
		return revision.Result{}, err
	}

	if err := p.history.RecordPatch(ctx, p.rc.RunID, result.Previous); err != nil {
		p.historyFailed(core.StagePatch, fmt.Errorf("record patch: %w", err))
	}
	artifacts := ctest.Artifacts(p.rc.Fs, p.rc.RunID, core.StagePatch, map[string]string{"document": path})
	p.addArtifacts(ctx, core.StagePatch, artifacts)

	fields := []zap.Field{
		zap.String("stage", core.StagePatch),
		zap.String("document", path),
		zap.String("reported", result.Previous),
		zap.String("revision", result.Current),
		zap.Bool("changed", result.Changed),
	}
	if meta, err := patcher.Inspect(path); err == nil {
		fields = append(fields, zap.String("build_name", meta.BuildName), zap.String("site", meta.Site))
	}
	p.logger.Info("revision patched", fields...)
	p.emit("info", "revision_patched", core.StagePatch, map[string]interface{}{
		"document": path,
		"reported": result.Previous,
		"revision": result.Current,
		"changed":  result.Changed,
	})
	return result, nil
}

func (p *pipeline) addArtifacts(ctx context.Context, stage string, artifacts []core.ArtifactRecord) {
	for _, artifact := range artifacts {
		if err := p.history.AddArtifact(ctx, artifact); err != nil {
			p.historyFailed(stage, fmt.Errorf("record artifact %s: %w", artifact.Path, err))
		}
	}
}

// historyFailed reports a run-history write that failed. History is a record
// of the run and never changes its outcome.
func (p *pipeline) historyFailed(stage string, err error) {
	p.logger.Warn("failed to update run history", zap.String("stage", stage), zap.Error(err))
	p.emit("warn", "history_failed", stage, map[string]string{"error": err.Error()})
}

func (p *pipeline) finalize(runErr error) (Result, error) {
	code := ExitCode(runErr)
	p.result.Status = core.RunStatusAborted
	p.result.ExitCode = code

	if err := p.history.FinishRun(context.Background(), p.rc.RunID, core.RunStatusAborted, code, runErr.Error()); err != nil {
		p.logger.Warn("failed to record run result", zap.Error(err))
	}
	p.emit("error", "run_failed", "", map[string]interface{}{
		"error":     runErr.Error(),
		"exit_code": code,
	})
	return p.result, runErr
}

func (p *pipeline) emit(level string, eventType string, stage string, payload interface{}) {
	if p.rc.EventLog == nil {
		return
	}
	if err := p.rc.EventLog.Emit(core.Event{
		RunID:     p.rc.RunID,
		Level:     level,
		EventType: eventType,
		Stage:     stage,
		Payload:   payload,
	}); err != nil {
		p.logger.Warn("failed to write event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func aborted(err error) (Result, error) {
	return Result{Status: core.RunStatusAborted, ExitCode: ExitCode(err)}, err
}

type closingHistory interface {
	History
	Close() error
}

// openHistory opens the SQLite run history, or returns a no-op History when
// path is empty.
func openHistory(ctx context.Context, path string) (closingHistory, error) {
	if path == "" {
		return noHistory{}, nil
	}
	storeDB, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := storeDB.Init(ctx); err != nil {
		storeDB.Close()
		return nil, fmt.Errorf("init history: %w", err)
	}
	return storeDB, nil
}

type noHistory struct{}

func (noHistory) CreateRun(context.Context, core.RunRecord) error { return nil }
func (noHistory) RecordStep(context.Context, string, string, int) error { return nil }
func (noHistory) RecordPatch(context.Context, string, string) error { return nil }
func (noHistory) FinishRun(context.Context, string, string, int, string) error { return nil }
func (noHistory) AddArtifact(context.Context, core.ArtifactRecord) error { return nil }
func (noHistory) Close() error { return nil }
