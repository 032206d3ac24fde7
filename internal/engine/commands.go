package engine

import "fmt"

// CommandKind identifies a Command.
type CommandKind int

const (
	StartEnrollment CommandKind = iota + 1
	CancelEnrollment
	CaptureNow
	StartRecognition
	Stop
)

func (k CommandKind) String() string {
	switch k {
	case StartEnrollment:
		return "start-enrollment"
	case CancelEnrollment:
		return "cancel-enrollment"
	case CaptureNow:
		return "capture-now"
	case StartRecognition:
		return "start-recognition"
	case Stop:
		return "stop"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is a request applied by the worker at the top of an iteration.
// When Reply is set the worker sends the result of the command on it; it
// must be buffered.
type Command struct {
	Kind     CommandKind
	Identity string // StartEnrollment
	Manual   bool   // StartEnrollment
	Reply    chan error
}
