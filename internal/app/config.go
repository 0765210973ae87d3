package app

import "errors"

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	PlanPath    string // hcl plan file or directory
	Destination string // passed through to the unit compiler untouched

	Jobs             int
	WarningsAsErrors bool

	LogFormat string
	LogLevel  string

	EventsURL   string // optional socket.io dashboard endpoint
	JournalPath string // optional SQLite run history
}

// NewConfig validates a Config and returns it.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.PlanPath == "" {
		return nil, errors.New("PlanPath is a required configuration field and cannot be empty")
	}

	return &cfg, nil
}
