package render

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Tools names the external binaries the renderer shells out to.
type Tools struct {
	LaTeX  string // lualatex
	Pandoc string
	Magick string // ImageMagick 7 "magick"
}

// DefaultTools resolves every tool from PATH.
func DefaultTools() Tools {
	return Tools{LaTeX: "lualatex", Pandoc: "pandoc", Magick: "magick"}
}

// Commander runs one external command in dir. Tests substitute a fake that
// writes the expected output files.
type Commander interface {
	Run(ctx context.Context, dir, name string, args ...string) error
}

// ExecCommander runs commands with os/exec.
type ExecCommander struct {
	// Timeout bounds each command. Zero means only ctx bounds it.
	Timeout time.Duration
}

// Run executes name with args in dir. On failure the tail of the combined
// output is attached to the error; LaTeX puts the useful part last.
func (e ExecCommander) Run(ctx context.Context, dir, name string, args ...string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("render: %s not found in PATH: %w", name, err)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("render: %s: %w: %s", name, err, tail(out.Bytes(), 2048))
	}
	return nil
}

func tail(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
