package stream

// State is a session lifecycle stage
type State int32

const (
	Opening State = iota
	Welcoming
	Live
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Welcoming:
		return "welcoming"
	case Live:
		return "live"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
