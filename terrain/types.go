package terrain

import (
	"math"
	"time"
)

// Point is a 3D coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y, Z: p.Z - q.Z}
}

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// ResidualMode selects what the alignment residual compares.
type ResidualMode string

const (
	// ResidualNearestHeight compares against the height of the nearest 3D
	// neighbor in the target patch.
	ResidualNearestHeight ResidualMode = "nearest"
	// ResidualInterpolatedHeight compares against the height of the plane
	// through the three nearest planar neighbors.
	ResidualInterpolatedHeight ResidualMode = "interpolated"
)

// SolverSettings bounds one run of the least-squares solver.
// A run converges when any tolerance is met and fails to converge when it
// runs out of iterations first.
type SolverSettings struct {
	MaxIterations      int     `yaml:"maxIterations" json:"maxIterations"`
	FunctionTolerance  float64 `yaml:"functionTolerance" json:"functionTolerance"`   // relative cost decrease
	GradientTolerance  float64 `yaml:"gradientTolerance" json:"gradientTolerance"`   // max-norm of the gradient
	ParameterTolerance float64 `yaml:"parameterTolerance" json:"parameterTolerance"` // relative step size
	JacobianStep       float64 `yaml:"jacobianStep" json:"jacobianStep"`             // finite difference step
}

// SolverConfig holds the two precision tiers selectable per Adjust call.
type SolverConfig struct {
	Fast    SolverSettings `yaml:"fast" json:"fast"`
	Precise SolverSettings `yaml:"precise" json:"precise"`
}

// AdjusterConfig configures an Adjuster.
type AdjusterConfig struct {
	BoundHalfWidth float64      `yaml:"boundHalfWidth" json:"boundHalfWidth"` // half width of the (tx, ty) search box
	Residual       ResidualMode `yaml:"residual" json:"residual"`
	Workers        int          `yaml:"workers" json:"workers"`                             // goroutines evaluating residuals
	Orientation    *Orientation `yaml:"orientation,omitempty" json:"orientation,omitempty"` // overrides the relative pose orientation
	Solver         SolverConfig `yaml:"solver" json:"solver"`
	Verbose        bool         `yaml:"verbose,omitempty" json:"verbose,omitempty"`
}

// LineFitConfig configures the RANSAC line fit diagnostic.
type LineFitConfig struct {
	Threshold     float64 `yaml:"threshold" json:"threshold"`         // inlier distance to the line
	MaxIterations int     `yaml:"maxIterations" json:"maxIterations"` // upper bound on samples drawn
	MinInliers    int     `yaml:"minInliers" json:"minInliers"`       // smallest consensus accepted
	Probability   float64 `yaml:"probability" json:"probability"`     // desired chance of an outlier-free sample
	Seed          int64   `yaml:"seed" json:"seed"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// PatchSource names where a patch is loaded from: a local file or an HTTP
// endpoint serving the same JSON export. File takes precedence.
type PatchSource struct {
	ID   string `yaml:"id" json:"id"`
	File string `yaml:"file,omitempty" json:"file,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`
}

// PairConfig requests one alignment of Moving against Fixed.
type PairConfig struct {
	Fixed         string `yaml:"fixed" json:"fixed"`
	Moving        string `yaml:"moving" json:"moving"`
	Bounded       *bool  `yaml:"bounded,omitempty" json:"bounded,omitempty"`
	HighPrecision *bool  `yaml:"highPrecision,omitempty" json:"highPrecision,omitempty"`
}

// IsBounded returns the bounded flag, defaulting to true.
func (pc PairConfig) IsBounded() bool {
	if pc.Bounded != nil {
		return *pc.Bounded
	}
	return true
}

// IsHighPrecision returns the precision flag, defaulting to true.
func (pc PairConfig) IsHighPrecision() bool {
	if pc.HighPrecision != nil {
		return *pc.HighPrecision
	}
	return true
}

// Key identifies the pair in the corrections cache.
func (pc PairConfig) Key() string {
	return PairKey(pc.Fixed, pc.Moving)
}

// PairKey builds the corrections cache key for a fixed/moving pair.
func PairKey(fixed, moving string) string {
	return fixed + "/" + moving
}

// Config represents the full configuration file
type Config struct {
	MQTT     MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Adjuster AdjusterConfig `yaml:"adjuster" json:"adjuster"`
	LineFit  LineFitConfig  `yaml:"lineFit" json:"lineFit"`
	Patches  []PatchSource  `yaml:"patches" json:"patches"`
	Pairs    []PairConfig   `yaml:"pairs" json:"pairs"`
	Parallel int            `yaml:"parallel,omitempty" json:"parallel,omitempty"` // concurrent pair alignments

	// MinRealignInterval debounces automatic re-alignment of a pair when its
	// patches are updated while serving.
	MinRealignInterval time.Duration `yaml:"minRealignInterval" json:"minRealignInterval"`
}

// GetPatchByID returns the patch source for the given ID
func (c *Config) GetPatchByID(id string) *PatchSource {
	for i := range c.Patches {
		if c.Patches[i].ID == id {
			return &c.Patches[i]
		}
	}
	return nil
}
