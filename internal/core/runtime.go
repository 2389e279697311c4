package core

import (
	"io"

	"github.com/spf13/afero"

	"ctestci/internal/config"
	"ctestci/internal/runner"
)

type RunContext struct {
	RunID        string
	ArtifactRoot string
	Config       config.Config
	Runner       runner.Runner
	EventLog     EventLogger
	Fs           afero.Fs
	Console      io.Writer
}

type Event struct {
	RunID     string      `json:"run_id"`
	Level     string      `json:"level"`
	EventType string      `json:"event_type"`
	Stage     string      `json:"stage,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

type EventLogger interface {
	Emit(event Event) error
}
