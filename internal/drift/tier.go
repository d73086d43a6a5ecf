package drift

type Tier int

const (
	TierNone Tier = iota
	TierRateNudge
	TierGradual
	TierHardSync
)

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierRateNudge:
		return "rate_nudge"
	case TierGradual:
		return "gradual"
	case TierHardSync:
		return "hard_sync"
	default:
		return "unknown"
	}
}

// Classify picks the correction tier for driftMs, largest threshold first.
func (c Config) Classify(driftMs float64) Tier {
	switch {
	case driftMs > c.HardSyncMs:
		return TierHardSync
	case driftMs > c.GradualMs:
		return TierGradual
	case driftMs > c.NudgeMs:
		return TierRateNudge
	default:
		return TierNone
	}
}
