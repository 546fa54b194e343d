package pathfind

import "fmt"

// Mode selects which strategies a search runs.
type Mode string

const (
	ModeDirect        Mode = "direct"
	ModeMultiHop      Mode = "multi_hop"
	ModeComprehensive Mode = "comprehensive"
)

// ParseMode accepts the mode names; empty means comprehensive.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeComprehensive, nil
	case ModeDirect, ModeMultiHop, ModeComprehensive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("pathfind: unknown mode %q", s)
}

const (
	DefaultMaxHops     = 4
	MaxHopsLimit       = 6
	DefaultMinStrength = 30
	WeakTieMinStrength = 15
	DefaultMaxResults  = 100

	// AnyStrength as MinStrength disables strength pruning. Zero means the
	// default threshold.
	AnyStrength = -1

	// ExternalMaxConfidence caps the confidence of paths that rely on an
	// external hint.
	ExternalMaxConfidence = 50
)

// Options bound a search. Zero values take the defaults; set MinStrength to
// AnyStrength to accept links of any strength.
type Options struct {
	MaxHops         int  `json:"max_hops,omitempty" mapstructure:"max_hops" validate:"omitempty,min=1,max=6"`
	MinStrength     int  `json:"min_strength,omitempty" mapstructure:"min_strength" validate:"omitempty,min=-1,max=100"`
	IncludeWeakTies bool `json:"include_weak_ties,omitempty" mapstructure:"include_weak_ties"`
	MaxResults      int  `json:"max_results,omitempty" mapstructure:"max_results" validate:"omitempty,min=1,max=1000"`
	EnableExternal  bool `json:"enable_external,omitempty" mapstructure:"enable_external"`
}

// Normalize fills defaults and clamps MaxHops to 1..MaxHopsLimit.
// IncludeWeakTies lowers the strength threshold to WeakTieMinStrength.
func (o Options) Normalize() Options {
	switch {
	case o.MaxHops <= 0:
		o.MaxHops = DefaultMaxHops
	case o.MaxHops > MaxHopsLimit:
		o.MaxHops = MaxHopsLimit
	}
	switch {
	case o.MinStrength == 0:
		o.MinStrength = DefaultMinStrength
	case o.MinStrength < 0:
		o.MinStrength = AnyStrength
	case o.MinStrength > 100:
		o.MinStrength = 100
	}
	if o.IncludeWeakTies && o.MinStrength > WeakTieMinStrength {
		o.MinStrength = WeakTieMinStrength
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}
