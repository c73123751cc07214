package client

import (
	"fmt"
	"strings"

	"github.com/KorszunKarol/go-distort/internal/frame"
)

// CommandKind enumerates the interactive terminal commands.
type CommandKind int

const (
	CmdConnect CommandKind = iota
	CmdLogout
	CmdList
	CmdDistort
	CmdCheckStatus
	CmdExit
)

// Command is one parsed terminal line.
type Command struct {
	Kind   CommandKind
	Class  string // CmdList
	File   string // CmdDistort
	Factor string // CmdDistort
}

// ParseCommand interprets one terminal line, case-insensitively for the
// command words. File names keep their case.
func ParseCommand(line string) (Command, error) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUserInput)
	}
	switch strings.ToUpper(words[0]) {
	case "CONNECT":
		return Command{Kind: CmdConnect}, nil
	case "LOGOUT":
		return Command{Kind: CmdLogout}, nil
	case "EXIT", "QUIT":
		return Command{Kind: CmdExit}, nil
	case "LIST":
		if len(words) != 2 {
			return Command{}, fmt.Errorf("%w: usage: LIST TEXT|MEDIA", ErrUserInput)
		}
		switch strings.ToUpper(words[1]) {
		case "TEXT":
			return Command{Kind: CmdList, Class: frame.ClassText}, nil
		case "MEDIA":
			return Command{Kind: CmdList, Class: frame.ClassMedia}, nil
		default:
			return Command{}, fmt.Errorf("%w: usage: LIST TEXT|MEDIA", ErrUserInput)
		}
	case "DISTORT":
		if len(words) != 3 {
			return Command{}, fmt.Errorf("%w: usage: DISTORT <file> <factor>", ErrUserInput)
		}
		return Command{Kind: CmdDistort, File: words[1], Factor: words[2]}, nil
	case "CHECK":
		if len(words) == 2 && strings.ToUpper(words[1]) == "STATUS" {
			return Command{Kind: CmdCheckStatus}, nil
		}
		return Command{}, fmt.Errorf("%w: usage: CHECK STATUS", ErrUserInput)
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrUserInput, words[0])
	}
}
