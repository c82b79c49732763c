package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voxlive/pkg/provider/s2s"
	"github.com/MrWong99/voxlive/pkg/session"
)

// console renders session events as plain lines on a terminal.
type console struct {
	mu       sync.Mutex
	out      io.Writer
	lastRole string
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// stateChanged prints the status line for a transition.
func (c *console) stateChanged(ev session.StateChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endUtterance()

	switch ev.To {
	case session.StateConnecting:
		fmt.Fprintln(c.out, ev.To.StatusText())
	case session.StateActive:
		fmt.Fprintln(c.out, "Live Voice Session Connected. Speak now.")
	case session.StateClosing:
		fmt.Fprintln(c.out, "Live Session Ended.")
	case session.StateErrored:
		if errors.Is(ev.Err, session.ErrStartCanceled) || errors.Is(ev.Err, context.Canceled) {
			fmt.Fprintln(c.out, "Session start cancelled.")
			return
		}
		if ev.From == session.StateConnecting {
			fmt.Fprintf(c.out, "Could not start session: %v\n", ev.Err)
			return
		}
		fmt.Fprintf(c.out, "Live Session Disconnected. (%v)\n", ev.Err)
	}
}

// transcript prints transcript fragments, starting a new line whenever the
// speaker changes.
func (c *console) transcript(t s2s.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Role != c.lastRole {
		c.endUtterance()
		label := "model"
		if t.Role == s2s.RoleUser {
			label = "you"
		}
		fmt.Fprintf(c.out, "[%s] ", label)
		c.lastRole = t.Role
	}
	fmt.Fprint(c.out, t.Text)
}

func (c *console) println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endUtterance()
	fmt.Fprintln(c.out, a...)
}

// endUtterance terminates an open transcript line. Callers hold mu.
func (c *console) endUtterance() {
	if c.lastRole != "" {
		fmt.Fprintln(c.out)
		c.lastRole = ""
	}
}

// ── Commands ─────────────────────────────────────────────────────────────────

type command int

const (
	cmdUnknown command = iota
	cmdStart
	cmdStop
	cmdStatus
	cmdQuit
	cmdHelp
)

func parseCommand(line string) command {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "start", "s":
		return cmdStart
	case "stop", "x":
		return cmdStop
	case "status":
		return cmdStatus
	case "quit", "exit", "q":
		return cmdQuit
	case "help", "?", "":
		return cmdHelp
	default:
		return cmdUnknown
	}
}

// voiceSession is the part of [session.Controller] the command loop drives.
type voiceSession interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Info() session.Info
	Err() error
}

// commander runs start and stop requests against one controller. Start runs
// in the background so that a stop typed while connecting cancels it.
type commander struct {
	ctrl voiceSession
	ui   *console

	mu       sync.Mutex
	cancel   context.CancelFunc
	starting sync.WaitGroup
}

func newCommander(ctrl voiceSession, ui *console) *commander {
	return &commander{ctrl: ctrl, ui: ui}
}

func (c *commander) start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.ui.println("A session is already starting.")
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.starting.Go(func() {
		err := c.ctrl.Start(sctx)
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, session.ErrAlreadyActive):
			c.ui.println("A session is already running.")
		case errors.Is(err, session.ErrStartCanceled), errors.Is(err, context.Canceled):
			slog.Debug("session start cancelled")
		default:
			slog.Debug("session start failed", "err", err)
		}
	})
}

// stop aborts a pending start, or ends the live session. A start request
// that has not reached the controller yet is cancelled as well.
func (c *commander) stop(ctx context.Context) error {
	err := c.ctrl.Stop(ctx)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.starting.Wait()
	}
	return err
}

func (c *commander) status() {
	info := c.ctrl.Info()
	line := info.State.StatusText()
	if info.SessionID != "" {
		line += fmt.Sprintf(" (session %s via %s)", info.SessionID, info.Provider)
	}
	if err := c.ctrl.Err(); err != nil {
		line += fmt.Sprintf("; last error: %v", err)
	}
	c.ui.println(line)
}

// run reads commands from in until quit, end of ctx or end of input
// followed by end of ctx.
func (c *commander) run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				// Input closed; keep the session running until signalled.
				lines = nil
				continue
			}
			switch parseCommand(line) {
			case cmdStart:
				c.start(ctx)
			case cmdStop:
				if err := c.stop(ctx); err != nil {
					slog.Warn("stop failed", "err", err)
				}
			case cmdStatus:
				c.status()
			case cmdQuit:
				return
			case cmdHelp:
				c.ui.println("Commands: start, stop, status, quit")
			default:
				c.ui.println("Unknown command. Try: start, stop, status, quit")
			}
		}
	}
}

// shutdown ends any session and waits for a pending start to return.
func (c *commander) shutdown(ctx context.Context) error {
	return c.stop(ctx)
}
