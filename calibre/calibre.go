// Package calibre wraps the external ebook-convert binary as the conversion
// fallback capability.
package calibre

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/wudi/epubkit/observability"
)

// Result describes one fallback conversion attempt.
type Result struct {
	OutputPath string
	Duration   time.Duration
	Stdout     string
	Stderr     string
}

// Runner is the fallback capability contract: convert an input file to the
// target format at outputPath, or fail with captured process output.
type Runner interface {
	// Available probes whether the converter can run at all.
	Available(ctx context.Context) bool
	// Version reports converter version text, empty when unavailable.
	Version(ctx context.Context) string
	Convert(ctx context.Context, inputPath, outputPath, targetFormat string) (Result, error)
}

// Config controls the subprocess wrapper.
type Config struct {
	// Binary is the converter executable; zero means "ebook-convert".
	Binary string
	// Timeout bounds one conversion; zero means 5 minutes.
	Timeout time.Duration
	// ProbeTimeout bounds availability and version checks; zero means 10s.
	ProbeTimeout time.Duration
	// ExtraArgs are appended to every conversion command.
	ExtraArgs []string
	Logger    observability.Logger
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ebook-convert"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = observability.NopLogger{}
	}
	return c
}

// ExecRunner runs ebook-convert as a subprocess.
type ExecRunner struct {
	cfg Config
}

func NewExecRunner(cfg Config) *ExecRunner {
	return &ExecRunner{cfg: cfg.withDefaults()}
}

func (r *ExecRunner) Available(ctx context.Context) bool {
	return r.Version(ctx) != ""
}

func (r *ExecRunner) Version(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.cfg.Binary, "--version").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Convert shells out to the converter. The output file must exist on exit
// for the conversion to count as successful; some converter versions exit
// zero after writing nothing.
func (r *ExecRunner) Convert(ctx context.Context, inputPath, outputPath, targetFormat string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	args := []string{inputPath, outputPath}
	args = append(args, "--enable-heuristics", "--no-inline-toc")
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.cfg.Logger.Info("invoking fallback converter",
		observability.String("binary", r.cfg.Binary),
		observability.String("target", targetFormat))

	start := time.Now()
	err := cmd.Run()
	res := Result{
		OutputPath: outputPath,
		Duration:   time.Since(start),
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("conversion timed out after %s", r.cfg.Timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s failed: %w: %s", r.cfg.Binary, err, firstLine(res.Stderr))
	}
	return res, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
