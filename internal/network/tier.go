// Package network classifies connection quality and derives the
// operational parameters the sync queue adapts to.
package network

import (
	"fmt"
	"time"

	"github.com/kimhsiao/marketsync/internal/models"
)

// Tier is a discretized connection quality. Tiers are ordered.
type Tier int

const (
	TierOffline Tier = iota
	TierSlow2G
	Tier2G
	Tier3G
	Tier4G
)

var tierNames = [...]string{"offline", "slow-2g", "2g", "3g", "4g"}

func (t Tier) String() string {
	if t < TierOffline || t > Tier4G {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText encodes the tier name.
func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a tier name.
func (t *Tier) UnmarshalText(b []byte) error {
	v, ok := ParseTier(string(b))
	if !ok {
		return fmt.Errorf("unknown tier %q", b)
	}
	*t = v
	return nil
}

// ParseTier maps a tier name to a Tier.
func ParseTier(s string) (Tier, bool) {
	for i, name := range tierNames {
		if name == s {
			return Tier(i), true
		}
	}
	return TierOffline, false
}

// Latency thresholds of the active probe.
const (
	threshold4G     = 150 * time.Millisecond
	threshold3G     = 400 * time.Millisecond
	threshold2G     = 800 * time.Millisecond
	thresholdSlow2G = 2000 * time.Millisecond
)

// TierForLatency maps a measured round trip to a tier.
func TierForLatency(d time.Duration) Tier {
	switch {
	case d < threshold4G:
		return Tier4G
	case d < threshold3G:
		return Tier3G
	case d < threshold2G:
		return Tier2G
	case d < thresholdSlow2G:
		return TierSlow2G
	}
	return TierOffline
}

// TierForDownlink maps a downlink estimate in Mbps to a tier.
func TierForDownlink(mbps float64) Tier {
	switch {
	case mbps >= 5:
		return Tier4G
	case mbps >= 1.5:
		return Tier3G
	case mbps >= 0.4:
		return Tier2G
	case mbps > 0:
		return TierSlow2G
	}
	return TierOffline
}

// Profile holds the per-tier operational parameters. Every table is
// indexed by Tier.
type Profile struct {
	BatchSize       [5]int
	RetryMultiplier [5]float64
	// QualityMultiplier scales the priority of non-critical work.
	QualityMultiplier [5]float64
	// MinTier is the lowest tier at which a class may be attempted.
	MinTier map[models.OperationClass]Tier
}

// DefaultProfile returns the built-in tables.
func DefaultProfile() Profile {
	return Profile{
		BatchSize:         [5]int{1, 1, 3, 10, 25},
		RetryMultiplier:   [5]float64{10, 5, 3, 1.5, 1},
		QualityMultiplier: [5]float64{1.5, 1.5, 1.3, 1.1, 1},
		MinTier: map[models.OperationClass]Tier{
			models.ClassCritical: TierSlow2G,
			models.ClassStandard: Tier2G,
			models.ClassBulk:     Tier3G,
		},
	}
}

func (p Profile) clamp(t Tier) Tier {
	if t < TierOffline {
		return TierOffline
	}
	if t > Tier4G {
		return Tier4G
	}
	return t
}

// BatchSizeFor returns the recommended batch size at t.
func (p Profile) BatchSizeFor(t Tier) int {
	if n := p.BatchSize[p.clamp(t)]; n > 0 {
		return n
	}
	return 1
}

// RetryMultiplierFor returns the backoff multiplier at t.
func (p Profile) RetryMultiplierFor(t Tier) float64 {
	if m := p.RetryMultiplier[p.clamp(t)]; m > 0 {
		return m
	}
	return 1
}

// QualityMultiplierFor returns the priority multiplier at t.
func (p Profile) QualityMultiplierFor(t Tier) float64 {
	if m := p.QualityMultiplier[p.clamp(t)]; m > 0 {
		return m
	}
	return 1
}

// GoodFor reports whether class may be attempted at t.
func (p Profile) GoodFor(t Tier, class models.OperationClass) bool {
	if t == TierOffline {
		return false
	}
	floor, ok := p.MinTier[class]
	if !ok {
		floor = TierSlow2G
	}
	return t >= floor
}
