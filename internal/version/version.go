// Package version provides release tag ordering for component update checks
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// String constants for operations (used in ErrVersionParseFailed)
const (
	OpParseLocal  = "parse_local"
	OpParseRemote = "parse_remote"
	OpValidateTag = "validate_tag"
)

// Custom error types for better error handling and comparison
var (
	ErrInvalidVersion = errors.New("invalid version format")
	ErrNotComparable  = errors.New("versions are not comparable")
)

// ErrVersionParseFailed represents a version parsing error
type ErrVersionParseFailed struct {
	Version string
	Op      string
	Cause   error
}

func (e ErrVersionParseFailed) Error() string {
	return fmt.Sprintf("failed to parse version %s in operation %s: %v", e.Version, e.Op, e.Cause)
}

func (e ErrVersionParseFailed) Unwrap() error {
	return e.Cause
}

func (e ErrVersionParseFailed) Is(target error) bool {
	var parseErr ErrVersionParseFailed
	return errors.As(target, &parseErr) || target == ErrInvalidVersion
}

// Comparator orders release tags
type Comparator interface {
	// CompareTags compares two release tags (-1, 0, 1).
	// Tags may carry a leading "v" (e.g. "v4.8.93").
	// Non-semver tags are only comparable for equality; ordering them
	// returns ErrNotComparable.
	CompareTags(a, b string) (int, error)

	// IsNewer reports whether latest is strictly newer than local.
	// An empty local version is always older than a non-empty latest.
	IsNewer(local, latest string) (bool, error)

	// ValidateTag validates that a tag parses as semver
	ValidateTag(tag string) error
}

// semverComparator implements Comparator using Masterminds/semver
type semverComparator struct{}

// New creates a new tag comparator
func New() Comparator {
	return &semverComparator{}
}

// CompareTags compares two tags (-1 if a < b, 0 if equal, 1 if a > b)
func (c *semverComparator) CompareTags(a, b string) (int, error) {
	a, b = normalize(a), normalize(b)
	if strings.EqualFold(a, b) {
		return 0, nil
	}

	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotComparable, ErrVersionParseFailed{Version: a, Op: OpParseLocal, Cause: err})
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNotComparable, ErrVersionParseFailed{Version: b, Op: OpParseRemote, Cause: err})
	}
	return va.Compare(vb), nil
}

// IsNewer reports whether latest is newer than local.
// Tags that cannot be ordered are treated as an update when they differ,
// so a renamed tag scheme still surfaces as available.
func (c *semverComparator) IsNewer(local, latest string) (bool, error) {
	local, latest = normalize(local), normalize(latest)
	if latest == "" {
		return false, nil
	}
	if local == "" {
		return true, nil
	}
	cmp, err := c.CompareTags(local, latest)
	if errors.Is(err, ErrNotComparable) {
		return !strings.EqualFold(local, latest), nil
	}
	if err != nil {
		return false, err
	}
	return cmp < 0, nil
}

// ValidateTag validates that a tag is valid semver
func (c *semverComparator) ValidateTag(tag string) error {
	if _, err := semver.NewVersion(normalize(tag)); err != nil {
		return ErrVersionParseFailed{
			Version: tag,
			Op:      OpValidateTag,
			Cause:   err,
		}
	}
	return nil
}

func normalize(tag string) string {
	return strings.TrimSpace(tag)
}
