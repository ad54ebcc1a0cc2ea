package session

import (
	"fmt"
	"strings"
)

// Command is an external request issued by a presenter.
type Command int

const (
	Retake Command = iota
	ToggleFlash
	Confirm
)

func (c Command) String() string {
	switch c {
	case Retake:
		return "retake"
	case ToggleFlash:
		return "flash"
	case Confirm:
		return "confirm"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// ParseCommand maps a command name, as used by the HTTP API and the CLI, to a Command.
func ParseCommand(name string) (Command, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "retake":
		return Retake, nil
	case "flash", "toggle-flash", "torch":
		return ToggleFlash, nil
	case "confirm", "use":
		return Confirm, nil
	default:
		return 0, fmt.Errorf("unknown command %q", name)
	}
}
