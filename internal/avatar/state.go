package avatar

// State is the connection state of an avatar session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateAvatarLinked
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAvatarLinked:
		return "avatar_linked"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further sends may happen in this state.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
