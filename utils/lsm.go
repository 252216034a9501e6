package utils

type LSMAction int

const (
	LSMActionPause LSMAction = iota
	LSMActionNext
	LSMActionReset
	LSMActionCancel
)

// LinearStateMachine runs a fixed list of steps in order. A step returns
// LSMActionPause while it waits for more input, and the machine resumes at
// the same step on the next Run.
type LinearStateMachine struct {
	Steps []func() LSMAction

	index     int
	cancelled bool
}

func NewLinearStateMachine(steps ...func() LSMAction) *LinearStateMachine {
	return &LinearStateMachine{
		Steps: steps,
	}
}

// Run runs the state machine until it pauses, finishes or is cancelled.
func (lsm *LinearStateMachine) Run() (cancelled bool, done bool) {
	if lsm.cancelled {
		return true, true
	}
	if lsm.index >= len(lsm.Steps) {
		return false, true
	}
	for lsm.index < len(lsm.Steps) {
		action := lsm.Steps[lsm.index]()
		switch action {
		case LSMActionPause:
			return false, false
		case LSMActionNext:
			lsm.index++
		case LSMActionReset:
			lsm.index = 0
		case LSMActionCancel:
			lsm.cancelled = true
			return true, true
		}
	}
	return false, true
}

// Step returns the index of the step the machine will run next.
func (lsm *LinearStateMachine) Step() int {
	return lsm.index
}

// Done reports whether every step has completed.
func (lsm *LinearStateMachine) Done() bool {
	return !lsm.cancelled && lsm.index >= len(lsm.Steps)
}

func (lsm *LinearStateMachine) Reset() {
	lsm.index = 0
	lsm.cancelled = false
}
