package agentcli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// Common failure kinds surfaced by Run.
var (
	ErrCLINotFound = errors.New("agent cli binary not found")
	ErrProcess     = errors.New("agent cli process error")
)

// Options configures one streaming invocation.
type Options struct {
	WorkDir        string
	AllowedTools   []string // empty = no tools
	PermissionMode string   // e.g. "acceptEdits"
	MaxTurns       int
	Model          string
}

// Client shells out to the agent CLI.
type Client struct {
	Binary string
	Log    *slog.Logger

	// start is swappable in tests; defaults to spawning the real binary.
	start func(ctx context.Context, prompt string, opts Options) (lineStream, error)
}

type lineStream interface {
	Lines() <-chan []byte
	Err() error
	Close() error
}

// New builds a client for the given binary path (default "claude").
func New(binary string) *Client {
	if binary == "" {
		binary = "claude"
	}
	c := &Client{Binary: binary, Log: slog.Default()}
	c.start = c.spawn
	return c
}

// Probe checks the binary responds to --version. Fatal at daemon init when
// it fails.
func (c *Client) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, "--version")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrCLINotFound, c.Binary)
		}
		return fmt.Errorf("%w: --version: %v", ErrProcess, err)
	}
	c.Log.Debug("agentcli: probe ok", "binary", c.Binary, "version", strings.TrimSpace(string(out)))
	return nil
}

// Run streams one invocation, calling handle for every decoded message in
// order. It returns the final result message, or an error when the stream
// ended without one.
func (c *Client) Run(ctx context.Context, prompt string, opts Options, handle func(Message)) (*FinalResult, error) {
	stream, err := c.start(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var final *FinalResult
	for line := range stream.Lines() {
		msgs, err := DecodeLine(line)
		if err != nil {
			c.Log.Warn("agentcli: skipping undecodable line", "error", err)
			continue
		}
		for i := range msgs {
			if msgs[i].Final != nil {
				final = msgs[i].Final
			}
			if handle != nil {
				handle(msgs[i])
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return final, ctx.Err()
		}
		return final, fmt.Errorf("%w: %v", ErrProcess, err)
	}
	if final == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: stream ended without result message", ErrProcess)
	}
	return final, nil
}

// spawn launches the CLI in streaming print mode.
func (c *Client) spawn(ctx context.Context, prompt string, opts Options) (lineStream, error) {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	// An empty allow-list still pins the tool surface: the CLI treats an
	// empty value as "no tools".
	args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	cmd := exec.CommandContext(ctx, c.Binary, args...)
	if opts.WorkDir != "" {
		cmd.Dir = opts.WorkDir
	}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrProcess, err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCLINotFound, c.Binary)
		}
		return nil, fmt.Errorf("%w: start: %v", ErrProcess, err)
	}

	s := &processStream{lines: make(chan []byte, 64), cmd: cmd, stderr: &stderr}
	go s.pump(stdout)
	return s, nil
}

type processStream struct {
	lines  chan []byte
	cmd    *exec.Cmd
	stderr *strings.Builder
	err    error
}

func (s *processStream) pump(r interface{ Read([]byte) (int, error) }) {
	defer close(s.lines)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		s.lines <- line
	}

	waitErr := s.cmd.Wait()
	if waitErr != nil {
		msg := strings.TrimSpace(s.stderr.String())
		if msg != "" {
			s.err = fmt.Errorf("%v: %s", waitErr, msg)
		} else {
			s.err = waitErr
		}
	} else if err := scanner.Err(); err != nil {
		s.err = err
	}
}

func (s *processStream) Lines() <-chan []byte { return s.lines }
func (s *processStream) Err() error           { return s.err }

func (s *processStream) Close() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return nil
}
