// Package versions defines the data model shared by the update orchestrator,
// the backend gateway and the task event pipeline.
package versions

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownComponent is returned when a component name is not one of the managed units.
var ErrUnknownComponent = errors.New("unknown component")

// Component identifies a managed software unit of an instance.
type Component string

const (
	ComponentMain          Component = "main"
	ComponentNapcat        Component = "napcat"
	ComponentNapcatAdapter Component = "napcat-adapter"
)

// AllComponents returns every managed component in display order.
func AllComponents() []Component {
	return []Component{ComponentMain, ComponentNapcat, ComponentNapcatAdapter}
}

// ParseComponent validates a component name.
func ParseComponent(s string) (Component, error) {
	c := Component(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case ComponentMain, ComponentNapcat, ComponentNapcatAdapter:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownComponent, s)
	}
}

// UpdateMethod selects how a component is brought to its latest version.
type UpdateMethod string

const (
	UpdateMethodGit     UpdateMethod = "git"
	UpdateMethodRelease UpdateMethod = "release"
)

// ParseUpdateMethod validates an update method; empty means git.
func ParseUpdateMethod(s string) (UpdateMethod, error) {
	switch m := UpdateMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return UpdateMethodGit, nil
	case UpdateMethodGit, UpdateMethodRelease:
		return m, nil
	default:
		return "", fmt.Errorf("invalid update method %q", s)
	}
}

// VersionStatus is the mutually exclusive check state of a component.
type VersionStatus string

const (
	StatusChecking        VersionStatus = "checking"
	StatusUpToDate        VersionStatus = "up_to_date"
	StatusUpdateAvailable VersionStatus = "update_available"
	StatusNotInstalled    VersionStatus = "not_installed"
	StatusCheckFailed     VersionStatus = "check_failed"
)

// ParseVersionStatus maps a wire value onto VersionStatus.
// Unrecognized values are reported as check_failed.
func ParseVersionStatus(s string) VersionStatus {
	switch v := VersionStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case StatusChecking, StatusUpToDate, StatusUpdateAvailable, StatusNotInstalled, StatusCheckFailed:
		return v
	default:
		return StatusCheckFailed
	}
}

// UnmarshalText keeps decoded statuses inside the closed set.
func (s *VersionStatus) UnmarshalText(b []byte) error {
	*s = ParseVersionStatus(string(b))
	return nil
}

// HistoryStatus is the outcome recorded by an update history entry.
type HistoryStatus string

const (
	HistorySuccess  HistoryStatus = "success"
	HistoryFailed   HistoryStatus = "failed"
	HistoryRollback HistoryStatus = "rollback"
)

// ParseHistoryStatus maps a wire value onto HistoryStatus; unknown values are failed.
func ParseHistoryStatus(s string) HistoryStatus {
	switch v := HistoryStatus(strings.ToLower(strings.TrimSpace(s))); v {
	case HistorySuccess, HistoryFailed, HistoryRollback:
		return v
	default:
		return HistoryFailed
	}
}

// UnmarshalText keeps decoded statuses inside the closed set.
func (s *HistoryStatus) UnmarshalText(b []byte) error {
	*s = ParseHistoryStatus(string(b))
	return nil
}

// TaskStatus is the folded state of a long-running task.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDownloading TaskStatus = "downloading"
	TaskInstalling  TaskStatus = "installing"
	TaskSuccess     TaskStatus = "success"
	TaskFailed      TaskStatus = "failed"
)

// Terminal reports whether no further event may change a task in this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskSuccess || s == TaskFailed
}

// MapTaskStatus maps a backend status label onto TaskStatus.
// Unknown labels fall back to installing so that they never end a task.
func MapTaskStatus(s string) TaskStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "waiting":
		return TaskPending
	case "downloading", "download", "fetching":
		return TaskDownloading
	case "installing", "install", "running", "extracting", "applying":
		return TaskInstalling
	case "success", "completed", "complete", "done":
		return TaskSuccess
	case "failed", "error", "failure":
		return TaskFailed
	default:
		return TaskInstalling
	}
}

// FileStatus describes how a file changed between two commits.
type FileStatus string

const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
)

// ParseFileStatus maps the forge's file statuses onto the three tracked kinds.
// Renames, copies and other edits count as modified.
func ParseFileStatus(s string) FileStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "added":
		return FileAdded
	case "removed", "deleted":
		return FileRemoved
	default:
		return FileModified
	}
}
