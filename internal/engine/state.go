package engine

import "fmt"

// State is the phase of the generation state machine.
type State int32

const (
	StateIdle State = iota
	StatePrefill
	StateDecode
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefill:
		return "prefill"
	case StateDecode:
		return "decode"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Reason tells why a request stopped generating.
type Reason string

const (
	ReasonEOS         Reason = "eos"
	ReasonContextFull Reason = "context_full"
	ReasonCancelled   Reason = "cancelled"
	ReasonError       Reason = "error"
)
