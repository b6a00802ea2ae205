package ui

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"talkfeed/ptt"
)

// Help lists the console gestures.
const Help = "commands: t = toggle talk, p = poke, q = quit"

// Command is one console gesture.
type Command int

const (
	CommandUnknown Command = iota
	CommandToggle
	CommandPoke
	CommandQuit
	CommandHelp
)

// ParseCommand maps an input line to a Command. Blank lines parse as CommandUnknown.
func ParseCommand(line string) Command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "t", "talk":
		return CommandToggle
	case "p", "poke":
		return CommandPoke
	case "q", "quit", "exit":
		return CommandQuit
	case "h", "help", "?":
		return CommandHelp
	default:
		return CommandUnknown
	}
}

// Controller is the part of a ptt.Session driven by the console.
type Controller interface {
	Press() error
	Release()
	Poke() error
	State() ptt.State
}

// RunInput reads gestures from in until q, EOF or ctx is done. Device failures from Press
// are printed and do not stop the loop.
func RunInput(ctx context.Context, in io.Reader, session Controller, console *Console) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-stop:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			switch ParseCommand(line) {
			case CommandToggle:
				if session.State().LocalTalking {
					session.Release()
					continue
				}
				if err := session.Press(); err != nil {
					console.Printf("cannot start talking: %v", err)
				}
			case CommandPoke:
				if err := session.Poke(); err != nil && !errors.Is(err, ptt.ErrClosed) {
					console.Printf("poke failed: %v", err)
				}
			case CommandQuit:
				return nil
			case CommandHelp:
				console.Printf(Help)
			default:
				if strings.TrimSpace(line) != "" {
					console.Printf("unknown command %q; %s", strings.TrimSpace(line), Help)
				}
			}
		}
	}
}
