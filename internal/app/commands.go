package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// errQuit ends [App.Run] cleanly.
var errQuit = errors.New("app: quit")

// Commands accepted on the command input. The long forms match the UI
// labels "start listening" and "stop listening".
const (
	cmdStart  = "start"
	cmdStop   = "stop"
	cmdStatus = "status"
	cmdQuit   = "quit"
)

// commandLoop reads one command per line until ctx is done, the input ends,
// or "quit" is read. End of input is not an error: the app keeps running
// until it is signalled.
func (a *App) commandLoop(ctx context.Context) error {
	lines := make(chan string)
	go a.readCommands(ctx, lines)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				slog.Debug("command input closed")
				return nil
			}
			if err := a.handleCommand(ctx, line); err != nil {
				return err
			}
		}
	}
}

// readCommands forwards input lines until EOF or ctx is done. A read blocked
// on a terminal cannot be interrupted, so this goroutine may outlive Run.
func (a *App) readCommands(ctx context.Context, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(a.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("reading commands failed", "err", err)
	}
}

func (a *App) handleCommand(ctx context.Context, line string) error {
	cmd := strings.ToLower(strings.Join(strings.Fields(line), " "))
	cmd = strings.TrimSuffix(cmd, " listening")

	switch cmd {
	case "":
		return nil
	case cmdStart:
		// Failures are reported on the sink by the controller.
		_ = a.controller.Start(ctx)
	case cmdStop:
		if err := a.controller.Stop(ctx); err != nil {
			slog.Warn("stop listening", "err", err)
		}
	case cmdStatus:
		a.sink.WriteLine(a.statusLine())
	case cmdQuit, "exit":
		return errQuit
	default:
		a.sink.WriteLine(fmt.Sprintf("Unknown command %q. Commands: %s, %s, %s, %s.",
			strings.TrimSpace(line), cmdStart, cmdStop, cmdStatus, cmdQuit))
	}
	return nil
}

func (a *App) statusLine() string {
	state := a.controller.State()
	if id := a.controller.Session(); id != "" {
		return fmt.Sprintf("Status: %s (session %s, %d segments submitted)", state, id, a.dispatcher.Submitted())
	}
	if err := a.controller.LastError(); err != nil {
		return fmt.Sprintf("Status: %s (last error: %v)", state, err)
	}
	return fmt.Sprintf("Status: %s", state)
}
