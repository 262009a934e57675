package terrain

import (
	"fmt"
	"log"
	"sort"
	"sync"
)

// PatchStats summarizes one patch for diagnostics.
type PatchStats struct {
	ID         string  `json:"id"`
	Count      int     `json:"count"`
	Centroid   Point   `json:"centroid"`
	MeanZ      float64 `json:"meanZ"`
	StdDevZ    float64 `json:"stdDevZ"`
	LineStdDev float64 `json:"lineStdDev"`
	LineError  string  `json:"lineError,omitempty"`
}

// Registry owns the loaded patches and the latest corrections, shared between
// the alignment runs and the HTTP endpoints.
type Registry struct {
	mu          sync.RWMutex
	patches     map[string]*Patch
	corrections *CorrectionsData
	lineFit     LineFitConfig
	cachePath   string // corrections cache file; empty disables persistence
}

// NewRegistry creates an empty registry
func NewRegistry(lineFit LineFitConfig) *Registry {
	return &Registry{
		patches:     make(map[string]*Patch),
		corrections: NewCorrectionsData(),
		lineFit:     lineFit,
	}
}

// NewRegistryWithCache creates a registry that persists corrections to
// cachePath. Corrections already in the file are loaded on creation.
func NewRegistryWithCache(lineFit LineFitConfig, cachePath string) *Registry {
	r := NewRegistry(lineFit)
	r.cachePath = cachePath
	if cachePath != "" {
		cd, err := LoadCorrections(cachePath)
		if err != nil {
			log.Printf("warning: ignoring corrections cache: %v", err)
		} else if cd != nil {
			r.corrections = cd
		}
	}
	return r
}

// AddPatch registers a patch under id, replacing any previous one.
func (r *Registry) AddPatch(id string, p *Patch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches[id] = p
}

// GetPatch returns the patch registered under id.
func (r *Registry) GetPatch(id string) (*Patch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patches[id]
	return p, ok
}

// PatchIDs returns the registered ids in sorted order.
func (r *Registry) PatchIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.patches))
	for id := range r.patches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateCorrection stores c and persists the cache when one is configured.
func (r *Registry) UpdateCorrection(c Correction) {
	r.mu.Lock()
	r.corrections.Set(c)
	cachePath := r.cachePath
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if cachePath != "" {
		if err := SaveCorrections(cachePath, snapshot); err != nil {
			log.Printf("warning: failed to save corrections cache: %v", err)
		}
	}
}

// Corrections returns a copy of the current corrections.
func (r *Registry) Corrections() *CorrectionsData {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() *CorrectionsData {
	cd := &CorrectionsData{
		Corrections: make(map[string]Correction, len(r.corrections.Corrections)),
		LastUpdated: r.corrections.LastUpdated,
	}
	for k, v := range r.corrections.Corrections {
		cd.Corrections[k] = v
	}
	return cd
}

// Stats computes diagnostics for the patch registered under id. A failed
// line fit is reported in LineError rather than failing the whole call.
func (r *Registry) Stats(id string) (PatchStats, error) {
	p, ok := r.GetPatch(id)
	if !ok {
		return PatchStats{}, fmt.Errorf("patch %q not found", id)
	}

	stats := PatchStats{ID: id, Count: p.Len()}
	c, err := p.Centroid()
	if err != nil {
		return PatchStats{}, fmt.Errorf("patch %s: %w", id, err)
	}
	stats.Centroid = c

	if stats.MeanZ, stats.StdDevZ, err = p.MeanStd(); err != nil {
		return PatchStats{}, fmt.Errorf("patch %s: %w", id, err)
	}

	fit, err := p.FitLineWith(NewRANSACLineFitter(r.lineFit))
	if err != nil {
		stats.LineError = err.Error()
	} else {
		stats.LineStdDev = fit.ResidualStdDev
	}
	return stats, nil
}
