// Package usage persists API usage statistics: lifetime totals plus
// per-month buckets, stored as a small JSON file.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Bucket accumulates request counts and cost for one accounting period.
type Bucket struct {
	Requests int     `json:"requests"`
	Cost     float64 `json:"cost"`
}

// Stats is the persisted shape of the usage file.
type Stats struct {
	Total   Bucket            `json:"total"`
	Monthly map[string]Bucket `json:"monthly"` // keyed by "2006-01"
}

// Tracker records API usage and saves it after every update. It satisfies
// the generation engine's Recorder interface.
type Tracker struct {
	mu    sync.Mutex
	path  string
	stats Stats
	now   func() time.Time
}

// NewTracker opens or creates the usage file at path. A corrupt or missing
// file starts fresh rather than failing: usage tracking is best effort.
func NewTracker(path string) *Tracker {
	t := &Tracker{
		path: path,
		now:  time.Now,
		stats: Stats{
			Monthly: make(map[string]Bucket),
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return t
	}
	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Usage file unreadable, starting fresh")
		return t
	}
	if stats.Monthly == nil {
		stats.Monthly = make(map[string]Bucket)
	}
	t.stats = stats
	return t
}

// RecordUsage adds one successful API call's cost to the lifetime total and
// the current month's bucket, then saves.
func (t *Tracker) RecordUsage(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Total.Requests++
	t.stats.Total.Cost += cost

	month := t.now().Format("2006-01")
	b := t.stats.Monthly[month]
	b.Requests++
	b.Cost += cost
	t.stats.Monthly[month] = b

	if err := t.save(); err != nil {
		log.Warn().Err(err).Str("path", t.path).Msg("Failed to save usage stats")
	}
}

// Stats returns a copy of the accumulated statistics.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Stats{
		Total:   t.stats.Total,
		Monthly: make(map[string]Bucket, len(t.stats.Monthly)),
	}
	for k, v := range t.stats.Monthly {
		out.Monthly[k] = v
	}
	return out
}

func (t *Tracker) save() error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("failed to create usage directory: %w", err)
	}
	data, err := json.MarshalIndent(t.stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal usage stats: %w", err)
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write usage file: %w", err)
	}
	return nil
}
