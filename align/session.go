package align

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// SessionSummary is the listing view of one processed slice
type SessionSummary struct {
	ID           string    `json:"id"`
	AtlasVersion int       `json:"atlasVersion"`
	Confidence   float64   `json:"confidence"`
	AffineOnly   bool      `json:"affineOnly"`
	Polygons     int       `json:"polygons"`
	Shapes       int       `json:"shapes"`
	Edits        int       `json:"edits"`
	ManualEdits  int       `json:"manualEdits"`
	RotationDeg  float64   `json:"rotationDeg"` // of the affine stage
	Warnings     int       `json:"warnings"`
	Exported     bool      `json:"exported"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SessionTracker keeps the latest result per slice for the review surface.
// Edit logs are persisted to cachePath so manual corrections survive a
// restart and can be replayed onto a fresh run.
type SessionTracker struct {
	mu        sync.RWMutex
	results   map[string]*PipelineResult
	edits     map[string]EditLog
	cachePath string // empty disables persistence
}

// NewSessionTracker creates an in-memory tracker
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		results: make(map[string]*PipelineResult),
		edits:   make(map[string]EditLog),
	}
}

// NewSessionTrackerWithCache creates a tracker that persists edit logs to
// cachePath, loading any existing file
func NewSessionTrackerWithCache(cachePath string) *SessionTracker {
	st := NewSessionTracker()
	st.cachePath = cachePath
	if cachePath != "" {
		if edits, err := LoadEditCache(cachePath); err == nil {
			st.edits = edits
		}
	}
	return st
}

// Put stores a result, replacing any previous one for the same slice
func (st *SessionTracker) Put(res *PipelineResult) {
	st.mu.Lock()
	st.results[res.ID] = res
	changed := len(res.Edits.Edits) > 0 || len(st.edits[res.ID].Edits) > 0
	if changed {
		st.edits[res.ID] = res.Edits
	}
	snapshot, cachePath := st.editSnapshot(), st.cachePath
	st.mu.Unlock()

	if changed && cachePath != "" {
		if err := SaveEditCache(snapshot, cachePath); err != nil {
			log.Warn().Err(err).Str("path", cachePath).Msg("failed to save edit cache")
		}
	}
}

// Get returns the result for a slice
func (st *SessionTracker) Get(id string) (*PipelineResult, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	res, ok := st.results[id]
	return res, ok
}

// Edits returns the persisted edit log for a slice, used to replay
// corrections when the slice is processed again
func (st *SessionTracker) Edits(id string) EditLog {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.edits[id]
}

// List returns summaries of every session sorted by ID
func (st *SessionTracker) List() []SessionSummary {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]SessionSummary, 0, len(st.results))
	for _, res := range st.results {
		out = append(out, SummarizeResult(res))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SummarizeResult builds the listing view of one result
func SummarizeResult(res *PipelineResult) SessionSummary {
	s := SessionSummary{
		ID:           res.ID,
		AtlasVersion: res.AtlasVersion,
		Edits:        len(res.Edits.Edits),
		ManualEdits:  len(res.Edits.BySource(EditManual).Edits),
		Warnings:     len(res.Warnings),
		Exported:     res.Excision != nil,
		UpdatedAt:    res.CompletedAt,
	}
	if res.Registration != nil {
		s.Confidence = res.Registration.Confidence
		s.AffineOnly = res.Registration.AffineOnly
		s.RotationDeg = RotationDegrees(res.Registration.Transform.Affine)
	}
	if res.Extraction != nil {
		s.Polygons = len(res.Extraction.Polygons)
	}
	if res.Excision != nil {
		s.Shapes = len(res.Excision.Shapes)
	}
	return s
}

// Len returns the number of sessions
func (st *SessionTracker) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.results)
}

func (st *SessionTracker) editSnapshot() map[string]EditLog {
	out := make(map[string]EditLog, len(st.edits))
	for k, v := range st.edits {
		out[k] = v
	}
	return out
}

// SaveEditCache writes edit logs keyed by slice ID as JSON
func SaveEditCache(edits map[string]EditLog, path string) error {
	data, err := json.MarshalIndent(edits, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal edit cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write edit cache: %w", err)
	}
	return nil
}

// LoadEditCache reads edit logs written by SaveEditCache
func LoadEditCache(path string) (map[string]EditLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read edit cache: %w", err)
	}
	var edits map[string]EditLog
	if err := json.Unmarshal(data, &edits); err != nil {
		return nil, fmt.Errorf("unmarshal edit cache: %w", err)
	}
	if edits == nil {
		edits = make(map[string]EditLog)
	}
	return edits, nil
}
