package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"ws-rpc/client"
)

const shellHelp = `Target Message [args]   call Target#Message, args is a JSON array
status                  show the connection status
connect                 connect now, skipping the reconnect delay
disconnect              close the connection, it is reopened later
help                    show this text
exit                    leave the shell`

type shell struct {
	client  *client.Client
	out     io.Writer
	timeout time.Duration
}

func newShell(c *client.Client, out io.Writer, timeout time.Duration) *shell {
	return &shell{client: c, out: out, timeout: timeout}
}

func (s *shell) run(vi bool) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errors.WithStack(err)
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 "ws-rpc> ",
		HistoryFile:            filepath.Join(home, ".wsrpc.history"),
		DisableAutoSaveHistory: true,
		VimMode:                vi,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	defer rl.Close()
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		_ = rl.SaveHistory(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := s.execute(line); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

// execute runs one shell line. Errors are returned only for lines that cannot be run at all.
func (s *shell) execute(line string) error {
	switch line {
	case "help":
		fmt.Fprintln(s.out, shellHelp)
		return nil
	case "status":
		fmt.Fprintln(s.out, s.client.Status())
		return nil
	case "connect":
		s.client.ConnectNow()
		return nil
	case "disconnect":
		fmt.Fprintln(s.out, s.client.Disconnect())
		return nil
	}
	target, msg, args, err := parseLine(line)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout+time.Second)
	defer cancel()
	result, err := s.client.Send(target, msg, args...).Wait(ctx)
	if err != nil {
		var callErr *client.CallError
		if errors.As(err, &callErr) && len(callErr.Value) > 0 {
			fmt.Fprintf(s.out, "failed: %v %s\n", err, callErr.Value)
		} else {
			fmt.Fprintf(s.out, "failed: %v\n", err)
		}
		return nil
	}
	fmt.Fprintf(s.out, "%s %s\n", result.Message, result.Value)
	return nil
}

// parseLine splits "Target Message [args]" into its parts. Each element of the optional JSON array
// becomes one argument, sent as is.
func parseLine(line string) (string, string, []any, error) {
	target, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	msg, raw, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if target == "" || msg == "" {
		return "", "", nil, errors.Errorf("expected 'Target Message [args]', got %q", line)
	}
	var args []any
	if raw = strings.TrimSpace(raw); raw != "" {
		parsed := gjson.Parse(raw)
		if !gjson.Valid(raw) || !parsed.IsArray() {
			return "", "", nil, errors.Errorf("arguments must be a JSON array, got %s", raw)
		}
		for _, arg := range parsed.Array() {
			args = append(args, json.RawMessage(arg.Raw))
		}
	}
	return target, msg, args, nil
}
