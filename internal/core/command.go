package core

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSelect          CommandType = "select"
	CmdRunPattern      CommandType = "runPattern"
	CmdStopPattern     CommandType = "stopPattern"
	CmdAddSchedule     CommandType = "addSchedule"
	CmdRemoveSchedule  CommandType = "removeSchedule"
	CmdGetPatternCode  CommandType = "getPatternCode"
	CmdSavePatternCode CommandType = "savePatternCode"
	CmdDeletePattern   CommandType = "deletePattern"
)

// Command is the envelope for incoming requests to change state or perform actions.
type Command struct {
	Type    CommandType
	Payload map[string]interface{}
}

// SelectCommand builds the command that sets the day selection.
func SelectCommand(v int) Command {
	return Command{Type: CmdSelect, Payload: map[string]interface{}{"value": v}}
}

// CommandChannel is the single channel the render loop drains, one command per quantum.
type CommandChannel chan Command

// TrySend queues cmd without blocking. It returns ErrBusy when the queue is full.
func (c CommandChannel) TrySend(cmd Command) error {
	select {
	case c <- cmd:
		return nil
	default:
		return ErrBusy
	}
}

// TryReceive pops at most one queued command without blocking.
func (c CommandChannel) TryReceive() (Command, bool) {
	select {
	case cmd := <-c:
		return cmd, true
	default:
		return Command{}, false
	}
}
