package channel

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Command pipes an RFC 5322 message into a local mail submission program,
// e.g. `/usr/sbin/sendmail -t -i`.
type Command struct {
	from    string
	command string
	args    []string
	timeout time.Duration
}

func NewCommand(d Definition) (*Command, error) {
	if d.Command == "" {
		return nil, fmt.Errorf("channel %s: command is required", d.ID)
	}
	return &Command{from: d.From, command: d.Command, args: d.Args, timeout: d.timeout()}, nil
}

func (c *Command) Send(ctx context.Context, m Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Stdin = bytes.NewReader(buildMessage(c.from, m))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command error: %v; out=%s", err, string(out))
	}
	return nil
}
