// Package ui is the terminal front-end of the talk command: a status line renderer and a
// line-based gesture reader.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"talkfeed/ptt"
)

// Status renders one session snapshot as a single line.
func Status(title string, state ptt.State) string {
	parts := make([]string, 0, 4)
	if title != "" {
		parts = append(parts, title)
	}

	switch {
	case state.LocalTalking:
		parts = append(parts, "🔴 talking (t to release)")
	case !state.Subscribed:
		parts = append(parts, "⏳ connecting")
	default:
		parts = append(parts, "🎙️ idle (t to talk)")
	}

	if state.RemoteTalking() {
		parts = append(parts, fmt.Sprintf("🎙️ %s is talking...", state.RemoteTalkingBy))
	}
	if state.HasNotice() {
		parts = append(parts, state.Notice)
	}
	return strings.Join(parts, " | ")
}

// Console prints a status line whenever it changes.
type Console struct {
	out   io.Writer
	title string

	mu   sync.Mutex
	last string
}

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer, title string) *Console {
	return &Console{out: out, title: title}
}

// Update renders state and prints it when the line differs from the previous one. It is
// safe to pass as ptt.Config.OnChange.
func (c *Console) Update(state ptt.State) {
	line := Status(c.title, state)

	c.mu.Lock()
	defer c.mu.Unlock()
	if line == c.last {
		return
	}
	c.last = line
	fmt.Fprintln(c.out, line)
}

// Printf writes a free-form message line.
func (c *Console) Printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}
