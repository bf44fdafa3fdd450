package testctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Cmd describes one external command.
type Cmd struct {
	Path   string
	Args   []string
	Env    map[string]string // added to the inherited environment
	Dir    string
	Stream bool // relay output line by line through the logger
	// Stdout captures standard output instead of the terminal.
	Stdout io.Writer
}

func (c Cmd) build(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	return cmd
}

// RunCmd runs c to completion.
func RunCmd(ctx context.Context, c Cmd) error {
	cmd := c.build(ctx)
	debug("[exec] %s %v (dir=%q)", c.Path, c.Args, c.Dir)
	if c.Stream && c.Stdout == nil {
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		if err := cmd.Start(); err != nil {
			return err
		}
		done := make(chan struct{}, 2)
		go func() { stream(c.Path, stdout); done <- struct{}{} }()
		go func() { stream(c.Path, stderr); done <- struct{}{} }()
		<-done
		<-done
		return cmd.Wait()
	}
	cmd.Stdout = os.Stdout
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdVerbose(ctx context.Context, name string, args ...string) error {
	return RunCmd(ctx, Cmd{Path: name, Args: args})
}

func runCmdStreaming(ctx context.Context, env map[string]string, name string, args ...string) error {
	return RunCmd(ctx, Cmd{Path: name, Args: args, Env: env, Stream: true})
}

// stream relays r line by line and returns the number of lines read.
func stream(prefix string, r io.Reader) int {
	n := 0
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		n++
		logger.Info().Str("src", prefix).Msg(s.Text())
	}
	return n
}
