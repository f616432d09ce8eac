// Package clamav scans downloaded release assets with ClamAV running in a
// throwaway Docker container.
package clamav

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrDockerUnavailable = errors.New("docker command not available")
	// ErrScanFailed is returned when clamscan exits with an error status or
	// reports an infection without naming it.
	ErrScanFailed = errors.New("clamav scan failed")
)

// DefaultImage is the ClamAV image used when none is configured.
const DefaultImage = "clamav/clamav:stable"

// Scanner checks a single file for malware.
type Scanner interface {
	Scan(ctx context.Context, path string) (Result, error)
}

// Result is the outcome of scanning one file.
type Result struct {
	Clean    bool
	Threats  []string
	Engine   Engine
	Duration time.Duration
}

// Engine describes the ClamAV build and signature database used.
type Engine struct {
	Version      string
	Signatures   string
	DatabaseDate string
}

// DockerScanner runs clamscan in a container with the file mounted read-only.
type DockerScanner struct {
	runner Runner
	image  string
	logger *slog.Logger

	mu     sync.Mutex
	pulled bool
}

// Option configures a DockerScanner.
type Option func(*DockerScanner)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(s *DockerScanner) { s.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *DockerScanner) { s.logger = l }
}

// NewDockerScanner returns a scanner for image, or DefaultImage when empty.
func NewDockerScanner(image string, opts ...Option) *DockerScanner {
	if image == "" {
		image = DefaultImage
	}
	s := &DockerScanner{runner: ExecRunner{}, image: image, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reports whether path is clean. Exit status 0 is clean, 1 is infected
// and anything else is a scanner failure.
func (s *DockerScanner) Scan(ctx context.Context, path string) (Result, error) {
	start := time.Now()
	if _, err := s.runner.LookPath("docker"); err != nil {
		return Result{}, ErrDockerUnavailable
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := s.ensureImage(ctx); err != nil {
		return Result{}, err
	}

	res := Result{}
	if out, code, err := s.runner.Run(ctx, "docker", "run", "--rm", "--entrypoint", "clamscan", s.image, "--version"); err == nil && code == 0 {
		res.Engine = parseVersion(out)
	} else {
		s.logger.Warn("failed to read clamav version", "image", s.image, "exit_code", code, "error", err)
	}

	out, code, err := s.runner.Run(ctx, "docker", s.scanArgs(abs)...)
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrScanFailed, err)
	}
	switch code {
	case 0:
		res.Clean = true
	case 1:
		res.Threats = parseThreats(out)
		if len(res.Threats) == 0 {
			return res, fmt.Errorf("%w: infected status without a signature name", ErrScanFailed)
		}
	default:
		return res, fmt.Errorf("%w: exit code %d: %s", ErrScanFailed, code, strings.TrimSpace(string(out)))
	}

	s.logger.Debug("scanned file",
		"file", filepath.Base(abs),
		"clean", res.Clean,
		"threats", res.Threats,
		"engine", res.Engine.Version,
		"duration", res.Duration)
	return res, nil
}

func (s *DockerScanner) scanArgs(abs string) []string {
	name := filepath.Base(abs)
	return []string{
		"run", "--rm", "--network", "none",
		"-v", filepath.Dir(abs) + ":/scan:ro",
		"--entrypoint", "clamscan",
		s.image,
		"--no-summary", "--infected",
		"/scan/" + name,
	}
}

func (s *DockerScanner) ensureImage(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pulled {
		return nil
	}
	if _, code, err := s.runner.Run(ctx, "docker", "image", "inspect", s.image); err == nil && code == 0 {
		s.pulled = true
		return nil
	}
	s.logger.Info("pulling clamav image", "image", s.image)
	out, code, err := s.runner.Run(ctx, "docker", "pull", s.image)
	if err != nil {
		return fmt.Errorf("pull %s: %w", s.image, err)
	}
	if code != 0 {
		return fmt.Errorf("pull %s: exit code %d: %s", s.image, code, strings.TrimSpace(string(out)))
	}
	s.pulled = true
	return nil
}
