package txbuilder

import "fmt"

// State is a transaction's position in the build pipeline. Transitions only
// move forward.
type State int

const (
	StateEmpty State = iota
	StateInputsSelected
	StateOutputsSet
	StateSigned
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateInputsSelected:
		return "inputs_selected"
	case StateOutputsSet:
		return "outputs_set"
	case StateSigned:
		return "signed"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
