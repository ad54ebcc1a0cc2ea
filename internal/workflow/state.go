package workflow

// State is the single authoritative phase of the scanning interaction.
type State int32

const (
	NotStarted State = iota
	Detecting
	Unclear
	Detected
	Processing
	Processed
)

var stateNames = [...]string{
	NotStarted: "NOT_STARTED",
	Detecting:  "DETECTING",
	Unclear:    "UNCLEAR",
	Detected:   "DETECTED",
	Processing: "PROCESSING",
	Processed:  "PROCESSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Accepting reports whether detector results are accepted in this state.
func (s State) Accepting() bool {
	return s == Detecting || s == Unclear
}

// WantsLiveCamera reports whether the camera should be delivering frames in this state.
func (s State) WantsLiveCamera() bool {
	return s.Accepting()
}
