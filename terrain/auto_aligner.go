package terrain

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// DefaultMinRealignInterval is the minimum time between automatic
// re-alignments of the same pair.
const DefaultMinRealignInterval = 30 * time.Second

// CorrectionPublisher hands a correction to downstream consumers.
type CorrectionPublisher interface {
	PublishCorrection(c Correction) error
}

// AlignPair solves one configured pair against the patches in reg.
func AlignPair(reg *Registry, config AdjusterConfig, pc PairConfig) (Correction, error) {
	fixed, ok := reg.GetPatch(pc.Fixed)
	if !ok {
		return Correction{}, fmt.Errorf("%w %q", ErrUnknownPatch, pc.Fixed)
	}
	moving, ok := reg.GetPatch(pc.Moving)
	if !ok {
		return Correction{}, fmt.Errorf("%w %q", ErrUnknownPatch, pc.Moving)
	}

	res, err := NewAdjuster(config).Adjust(fixed, moving, pc.IsBounded(), pc.IsHighPrecision())
	if err != nil {
		return Correction{}, err
	}
	if err := res.Err(); err != nil {
		log.Printf("Warning: %s: %v", pc.Key(), err)
	}
	return NewCorrection(pc.Fixed, pc.Moving, res), nil
}

// AutoAligner re-solves the configured pairs touching a patch whenever that
// patch is replaced while serving. Re-alignment of a pair is debounced by
// Config.MinRealignInterval and a failed solve keeps the previous correction.
type AutoAligner struct {
	config    *Config
	registry  *Registry
	publisher CorrectionPublisher

	mu          sync.Mutex
	lastAligned map[string]time.Time
}

// NewAutoAligner creates an AutoAligner. publisher may be nil.
func NewAutoAligner(config *Config, reg *Registry, publisher CorrectionPublisher) *AutoAligner {
	return &AutoAligner{
		config:      config,
		registry:    reg,
		publisher:   publisher,
		lastAligned: make(map[string]time.Time),
	}
}

// SetPublisher attaches the publisher new corrections are sent to.
func (aa *AutoAligner) SetPublisher(publisher CorrectionPublisher) {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	aa.publisher = publisher
}

// IngestPatch replaces the patch registered under id and re-aligns the
// pairs that use it. It returns the corrections produced.
func (aa *AutoAligner) IngestPatch(id string, pd *PatchData) ([]Correction, error) {
	if aa.config.GetPatchByID(id) == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownPatch, id)
	}
	p, err := pd.Patch()
	if err != nil {
		return nil, err
	}
	aa.registry.AddPatch(id, p)
	log.Printf("[AUTO-ALIGN] %s: patch replaced (%d points)", id, p.Len())
	return aa.OnPatchUpdated(id), nil
}

// HandlePatch is the PatchHandler registered with the MQTT client.
func (aa *AutoAligner) HandlePatch(id string, pd *PatchData, err error) {
	if err != nil {
		log.Printf("[AUTO-ALIGN] %s: dropping patch update: %v", id, err)
		return
	}
	if _, err := aa.IngestPatch(id, pd); err != nil {
		log.Printf("[AUTO-ALIGN] %s: dropping patch update: %v", id, err)
	}
}

// OnPatchUpdated re-aligns every configured pair that uses patch id and
// records the new corrections. Safe to call from any goroutine.
func (aa *AutoAligner) OnPatchUpdated(id string) []Correction {
	aa.mu.Lock()
	defer aa.mu.Unlock()

	var out []Correction
	for _, pc := range aa.config.Pairs {
		if pc.Fixed != id && pc.Moving != id {
			continue
		}
		key := pc.Key()

		if last, ok := aa.lastAligned[key]; ok && time.Since(last) < aa.config.MinRealignInterval {
			log.Printf("[AUTO-ALIGN] %s: skipping, last aligned %s ago (min interval %s)",
				key, time.Since(last).Round(time.Second), aa.config.MinRealignInterval)
			continue
		}

		c, err := AlignPair(aa.registry, aa.config.Adjuster, pc)
		if err != nil {
			log.Printf("[AUTO-ALIGN] %s: alignment failed: %v (preserving existing correction)", key, err)
			continue
		}

		aa.registry.UpdateCorrection(c)
		if aa.publisher != nil {
			if err := aa.publisher.PublishCorrection(c); err != nil {
				log.Printf("[AUTO-ALIGN] %s: publish failed: %v", key, err)
			}
		}
		aa.lastAligned[key] = time.Now()
		log.Printf("[AUTO-ALIGN] %s: tx=%.4f ty=%.4f converged=%v", key, c.Tx, c.Ty, c.Converged)
		out = append(out, c)
	}
	return out
}

// MarkAligned records that the pair was just solved, starting its debounce
// window.
func (aa *AutoAligner) MarkAligned(key string) {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	aa.lastAligned[key] = time.Now()
}

// String implements fmt.Stringer for debug logging.
func (aa *AutoAligner) String() string {
	aa.mu.Lock()
	defer aa.mu.Unlock()
	return fmt.Sprintf("AutoAligner{pairs=%d, aligned=%d, minInterval=%s}",
		len(aa.config.Pairs), len(aa.lastAligned), aa.config.MinRealignInterval)
}
