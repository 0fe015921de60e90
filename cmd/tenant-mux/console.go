package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"tenant-mux/internal/tenant"
)

// controller is the part of the manager driven from the console
type controller interface {
	Connect(ctx context.Context, tenantID string) error
	Disconnect(tenantID string)
	Publish(tenantID, topic, content string) (tenant.Message, error)
	Status(tenantID string) tenant.State
	UserID(tenantID string) (string, bool)
	Tenants() []string
	Stats() map[string]interface{}
}

const consoleHelp = `commands:
  <tenant> <topic> <text>   send text on topic
  /connect <tenant>         (re)connect a tenant
  /disconnect <tenant>      disconnect a tenant
  /status                   show tenant states
  /stats                    show message statistics
  /quit                     exit
`

// runConsole reads commands from in until EOF, /quit or ctx is done.
// It reports whether the user asked to quit.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, ctl controller) (bool, error) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return false, nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return true, nil
		}
		if err := execute(ctx, line, out, ctl); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return false, scanner.Err()
}

func execute(ctx context.Context, line string, out io.Writer, ctl controller) error {
	fields := strings.Fields(line)

	switch fields[0] {
	case "/help":
		fmt.Fprint(out, consoleHelp)
		return nil

	case "/connect":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /connect <tenant>")
		}
		return ctl.Connect(ctx, fields[1])

	case "/disconnect":
		if len(fields) != 2 {
			return fmt.Errorf("usage: /disconnect <tenant>")
		}
		ctl.Disconnect(fields[1])
		return nil

	case "/status":
		tenants := ctl.Tenants()
		if len(tenants) == 0 {
			fmt.Fprintln(out, "no tenants")
			return nil
		}
		for _, t := range tenants {
			userID, _ := ctl.UserID(t)
			fmt.Fprintf(out, "%s %s %s\n", t, ctl.Status(t), userID)
		}
		return nil

	case "/stats":
		data, err := json.MarshalIndent(ctl.Stats(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if strings.HasPrefix(fields[0], "/") {
		return fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	if len(fields) < 3 {
		return fmt.Errorf("usage: <tenant> <topic> <text>")
	}

	// Keep the text exactly as typed after tenant and topic
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	content := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))

	_, err := ctl.Publish(fields[0], fields[1], content)
	return err
}
