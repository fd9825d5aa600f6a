package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Report describes the outcome of a complete navigation.
type Report struct {
	URL        string        `json:"url" yaml:"url"`
	Backend    string        `json:"backend" yaml:"backend"`
	Succeeded  bool          `json:"succeeded" yaml:"succeeded"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	Polls      int           `json:"polls" yaml:"polls"`
	Elapsed    time.Duration `json:"elapsed" yaml:"elapsed"`
	Budget     time.Duration `json:"budget" yaml:"budget"`
	Payload    any           `json:"payload,omitempty" yaml:"payload,omitempty"`
	FinishedAt time.Time     `json:"finishedAt" yaml:"finishedAt"`
}

// WriteReport encodes r as YAML when path ends in .yaml or .yml, as JSON
// otherwise, and persists it to path.
func WriteReport(ctx context.Context, p FilePersister, path string, r *Report) error {
	var (
		buf bytes.Buffer
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		err = enc.Encode(r)
		if err == nil {
			err = enc.Close()
		}
	default:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	}
	if err != nil {
		return fmt.Errorf("encoding navigation report: %w", err)
	}

	if err := p.Persist(ctx, path, &buf); err != nil {
		return fmt.Errorf("persisting navigation report: %w", err)
	}
	return nil
}
