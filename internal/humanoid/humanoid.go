// Package humanoid paces keystrokes the way a person types so that filled
// fields do not arrive as a single synthetic input event.
package humanoid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/xkilldash9x/formpilot/internal/config"
)

// Humanoid holds the typing cadence for one session. The RNG is seeded from
// the configuration so runs with a fixed seed are reproducible.
type Humanoid struct {
	cfg config.HumanoidConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Humanoid. A zero seed draws one from the clock.
func New(cfg config.HumanoidConfig) *Humanoid {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.KeyDelayMeanMs <= 0 {
		cfg.KeyDelayMeanMs = 70
	}
	if cfg.KeyDelayStdDevMs < 0 {
		cfg.KeyDelayStdDevMs = 0
	}
	return &Humanoid{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Enabled reports whether keystrokes are paced at all.
func (h *Humanoid) Enabled() bool { return h != nil && h.cfg.Enabled }

func (h *Humanoid) normFloat64() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rng.NormFloat64()
}
