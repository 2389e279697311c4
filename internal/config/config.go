package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	BuildDir        string     `yaml:"build_dir" json:"build_dir"`
	Document        string     `yaml:"document" json:"document"`
	RevisionEnv     string     `yaml:"revision_env" json:"revision_env"`
	RevisionElement string     `yaml:"revision_element" json:"revision_element"`
	CTest           string     `yaml:"ctest" json:"ctest"`
	Update          StepConfig `yaml:"update" json:"update"`
	Build           StepConfig `yaml:"build" json:"build"`
	ArtifactDir     string     `yaml:"artifact_dir" json:"artifact_dir"`
	DBPath          string     `yaml:"db" json:"db"`
	LogLevel        string     `yaml:"log_level" json:"log_level"`
}

type StepConfig struct {
	Args           []string `yaml:"args" json:"args"`
	Required       bool     `yaml:"required,omitempty" json:"required,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

func Default() Config {
	return Config{
		BuildDir:        ".",
		Document:        filepath.Join("Testing", "Update.xml"),
		RevisionEnv:     "TRAVIS_COMMIT",
		RevisionElement: "Revision",
		CTest:           "ctest",
		Update: StepConfig{
			Args: []string{"-D", "ExperimentalUpdate"},
		},
		Build: StepConfig{
			Args: []string{"-D", "Experimental", "-j6", "--schedule-random", "--track", "Travis"},
		},
		ArtifactDir: filepath.Join("Testing", "ctestci"),
		DBPath:      filepath.Join("Testing", "ctestci", "history.db"),
		LogLevel:    "info",
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.CTest == "":
		return fmt.Errorf("%w: ctest binary is empty", ErrInvalid)
	case c.RevisionEnv == "":
		return fmt.Errorf("%w: revision_env is empty", ErrInvalid)
	case c.RevisionElement == "":
		return fmt.Errorf("%w: revision_element is empty", ErrInvalid)
	case c.Document == "":
		return fmt.Errorf("%w: document path is empty", ErrInvalid)
	case len(c.Build.Args) == 0:
		return fmt.Errorf("%w: build args are empty", ErrInvalid)
	case c.Update.TimeoutSeconds < 0 || c.Build.TimeoutSeconds < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	return nil
}

// DocumentPath is the Update.xml location; relative documents live under the
// build dir.
func (c Config) DocumentPath() string {
	if filepath.IsAbs(c.Document) {
		return c.Document
	}
	return filepath.Join(c.BuildDir, c.Document)
}

// RunArtifactDir is where the files of one run are kept.
func (c Config) RunArtifactDir(runID string) string {
	dir := c.ArtifactDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.BuildDir, dir)
	}
	return filepath.Join(dir, runID)
}

func (c Config) HistoryPath() string {
	if c.DBPath == "" || filepath.IsAbs(c.DBPath) {
		return c.DBPath
	}
	return filepath.Join(c.BuildDir, c.DBPath)
}
