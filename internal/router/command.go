package router

import "strings"

// Command is the sealed set of keyword commands. The unexported marker
// method keeps the set closed so dispatch can switch over every concrete
// type; adding a command without handling it fails at the switch, not in
// a runtime default branch.
type Command interface {
	command()
}

// HelpCommand asks for usage text.
type HelpCommand struct{}

// StatusCommand asks what state the contributor's briefing is in.
type StatusCommand struct{}

// CancelCommand cancels the active session.
type CancelCommand struct{}

// UnknownCommand is any input the table does not recognize.
type UnknownCommand struct {
	Input string
}

func (HelpCommand) command()    {}
func (StatusCommand) command()  {}
func (CancelCommand) command()  {}
func (UnknownCommand) command() {}

// ParseCommand maps inbound text to a Command.
func ParseCommand(body string) Command {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "help", "?":
		return HelpCommand{}
	case "status":
		return StatusCommand{}
	case "cancel", "stop":
		return CancelCommand{}
	default:
		return UnknownCommand{Input: body}
	}
}
