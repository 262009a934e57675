package terrain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultCorrectionsCachePath is the default path for the corrections cache
const DefaultCorrectionsCachePath = ".corrections-cache.json"

// Correction is one estimated planar correction of a moving patch against a
// fixed patch. Transform maps moving-local points into the fixed patch frame.
type Correction struct {
	Fixed       string      `json:"fixed"`
	Moving      string      `json:"moving"`
	Transform   Transform   `json:"transform"`
	Tx          float64     `json:"tx"`
	Ty          float64     `json:"ty"`
	Orientation Orientation `json:"orientation"`
	Converged   bool        `json:"converged"`
	Iterations  int         `json:"iterations"`
	FinalCost   float64     `json:"finalCost"`
	Timestamp   int64       `json:"timestamp"`
}

// NewCorrection records an adjustment result for a pair.
func NewCorrection(fixed, moving string, res AdjustResult) Correction {
	return Correction{
		Fixed:       fixed,
		Moving:      moving,
		Transform:   res.Transform,
		Tx:          res.Tx,
		Ty:          res.Ty,
		Orientation: res.Orientation,
		Converged:   res.Converged,
		Iterations:  res.Summary.Iterations,
		FinalCost:   res.Summary.FinalCost,
		Timestamp:   time.Now().Unix(),
	}
}

// Key returns the cache key of the pair.
func (c Correction) Key() string {
	return PairKey(c.Fixed, c.Moving)
}

// CorrectedPose returns the moving patch pose in the shared frame implied by
// this correction and the fixed patch pose.
func (c Correction) CorrectedPose(fixedPose Transform) Transform {
	return fixedPose.Mul(c.Transform)
}

// CorrectionsData is the persisted set of corrections keyed by "fixed/moving".
type CorrectionsData struct {
	Corrections map[string]Correction `json:"corrections"`
	LastUpdated int64                 `json:"lastUpdated"`
}

// NewCorrectionsData returns an empty corrections set.
func NewCorrectionsData() *CorrectionsData {
	return &CorrectionsData{Corrections: make(map[string]Correction)}
}

// LoadCorrections loads the corrections cache. A missing file yields nil, nil.
func LoadCorrections(path string) (*CorrectionsData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading corrections file: %w", err)
	}

	var cd CorrectionsData
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("parsing corrections file: %w", err)
	}
	if cd.Corrections == nil {
		cd.Corrections = make(map[string]Correction)
	}
	return &cd, nil
}

// SaveCorrections writes the corrections cache, stamping LastUpdated.
func SaveCorrections(path string, cd *CorrectionsData) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating corrections directory: %w", err)
	}

	cd.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cd, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling corrections: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing corrections file: %w", err)
	}

	return nil
}

// Set stores c under its pair key.
func (cd *CorrectionsData) Set(c Correction) {
	if cd.Corrections == nil {
		cd.Corrections = make(map[string]Correction)
	}
	cd.Corrections[c.Key()] = c
}

// Get returns the correction for a pair.
func (cd *CorrectionsData) Get(fixed, moving string) (Correction, bool) {
	if cd == nil || cd.Corrections == nil {
		return Correction{}, false
	}
	c, ok := cd.Corrections[PairKey(fixed, moving)]
	return c, ok
}

// GetTransform returns the correction transform for a pair, or identity.
func (cd *CorrectionsData) GetTransform(fixed, moving string) Transform {
	if c, ok := cd.Get(fixed, moving); ok {
		return c.Transform
	}
	return Identity()
}

// Sorted returns all corrections ordered by key.
func (cd *CorrectionsData) Sorted() []Correction {
	if cd == nil {
		return nil
	}
	keys := make([]string, 0, len(cd.Corrections))
	for k := range cd.Corrections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Correction, len(keys))
	for i, k := range keys {
		out[i] = cd.Corrections[k]
	}
	return out
}

// NeedsRefresh reports whether the pair has no correction newer than maxAge.
func (cd *CorrectionsData) NeedsRefresh(fixed, moving string, maxAge time.Duration) bool {
	c, ok := cd.Get(fixed, moving)
	if !ok || c.Timestamp == 0 {
		return true
	}
	return time.Since(time.Unix(c.Timestamp, 0)) > maxAge
}
