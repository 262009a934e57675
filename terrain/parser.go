package terrain

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// PatchData is the on-disk form of a patch. Pose defaults to identity.
type PatchData struct {
	ID     string       `json:"id"`
	Pose   *Transform   `json:"pose,omitempty"`
	Points [][3]float64 `json:"points"`
}

// ParsePatchFile reads and parses a patch JSON file
func ParsePatchFile(path string) (*PatchData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParsePatchJSON(data)
}

// ParsePatchJSON parses patch JSON data
func ParsePatchJSON(data []byte) (*PatchData, error) {
	var pd PatchData
	if err := json.Unmarshal(data, &pd); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	return &pd, nil
}

// Patch builds a Patch from the parsed data. Non-finite coordinates and
// singular poses are rejected.
func (pd *PatchData) Patch() (*Patch, error) {
	pose := Identity()
	if pd.Pose != nil {
		pose = *pd.Pose
		if _, err := pose.Inverse(); err != nil {
			return nil, fmt.Errorf("patch %s: %w", pd.ID, err)
		}
	}

	points := make([]Point, len(pd.Points))
	for i, c := range pd.Points {
		for _, v := range c {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("patch %s: point %d is not finite", pd.ID, i)
			}
		}
		points[i] = Point{X: c[0], Y: c[1], Z: c[2]}
	}
	return NewPatch(pose, points...), nil
}

// LoadPatch reads a patch file and builds the patch.
func LoadPatch(path string) (*Patch, error) {
	pd, err := ParsePatchFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pd.Patch()
}

// MarshalPatch encodes a patch in the on-disk form.
func MarshalPatch(id string, p *Patch) ([]byte, error) {
	pose := p.Pose()
	pts := p.Points()
	pd := PatchData{ID: id, Pose: &pose, Points: make([][3]float64, len(pts))}
	for i, pt := range pts {
		pd.Points[i] = [3]float64{pt.X, pt.Y, pt.Z}
	}
	return json.Marshal(pd)
}
