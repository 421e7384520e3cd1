package gbx

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"github.com/jonathan/revalidate/internal/schemas"
)

// DefaultTimeout bounds a single decoder invocation.
const DefaultTimeout = 30 * time.Second

// ExecDecoder runs an external decoder command as `<command> <op>`, writing the
// blob to stdin and reading one JSON document from stdout.
type ExecDecoder struct {
	Command string
	Args    []string
	Timeout time.Duration
}

// NewExecDecoder creates a decoder for the given command line.
func NewExecDecoder(commandLine string) *ExecDecoder {
	fields := strings.Fields(commandLine)
	d := &ExecDecoder{Timeout: DefaultTimeout}
	if len(fields) > 0 {
		d.Command = fields[0]
		d.Args = fields[1:]
	}
	return d
}

func (d *ExecDecoder) Header(ctx context.Context, data []byte) (*Header, error) {
	var h Header
	if err := d.run(ctx, "header", schemas.Header, data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (d *ExecDecoder) DecodeReplay(ctx context.Context, data []byte) (*Replay, error) {
	var r Replay
	if err := d.run(ctx, "replay", schemas.Replay, data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *ExecDecoder) DecodeGhost(ctx context.Context, data []byte) (*Ghost, error) {
	var g Ghost
	if err := d.run(ctx, "ghost", schemas.Ghost, data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (d *ExecDecoder) DecodeMap(ctx context.Context, data []byte) (*Map, error) {
	var m Map
	if err := d.run(ctx, "map", schemas.Map, data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *ExecDecoder) run(ctx context.Context, op, schema string, data []byte, out any) error {
	if d.Command == "" {
		return &DecodeError{Op: op, Message: "no decoder command configured"}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, d.Args...), op)
	cmd := exec.CommandContext(ctx, d.Command, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "decoder failed"
		}
		return &DecodeError{Op: op, Message: msg, Cause: err}
	}

	if err := schemas.Validate(schema, stdout.Bytes()); err != nil {
		return &DecodeError{Op: op, Message: "unexpected decoder output", Cause: err}
	}
	if err := json.Unmarshal(stdout.Bytes(), out); err != nil {
		return &DecodeError{Op: op, Message: "invalid decoder output", Cause: err}
	}
	return nil
}
