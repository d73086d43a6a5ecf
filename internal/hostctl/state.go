package hostctl

type State int

const (
	StateIdle State = iota
	StatePaused
	StatePlaying
	StateSeeking
	StateRateChanging
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePaused:
		return "paused"
	case StatePlaying:
		return "playing"
	case StateSeeking:
		return "seeking"
	case StateRateChanging:
		return "rate_changing"
	default:
		return "unknown"
	}
}
