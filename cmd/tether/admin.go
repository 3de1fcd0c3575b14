package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/pkg/tether"
)

var (
	dbPathOverride string
	jsonOutput     bool
)

// openOffline opens the engine without starting workers. --db skips the
// config file and environment so the commands work without secrets.
func openOffline() (*tether.Engine, error) {
	var cfg *config.Config
	if dbPathOverride != "" {
		cfg = config.Default()
		cfg.Database.Path = dbPathOverride
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	cfg.Network.Probe = "none"
	cfg.Audit.Bucket = ""
	cfg.Sync.Schedule = ""
	return tether.Open(cfg, tether.Deps{})
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
