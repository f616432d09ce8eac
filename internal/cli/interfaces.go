// Package cli provides command-line interface components with testable abstractions.
package cli

import (
	"context"

	"github.com/clean-dependency-project/botctl/internal/orchestrator"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// VersionService abstracts the update workflow for testing.
// *orchestrator.Orchestrator satisfies it.
type VersionService interface {
	// GetComponentsVersion lists the version snapshot of every component.
	GetComponentsVersion(ctx context.Context, instanceID string, force bool) ([]versions.ComponentVersionInfo, error)

	// CheckComponentUpdate runs a live check of one component.
	CheckComponentUpdate(ctx context.Context, instanceID string, component versions.Component, method versions.UpdateMethod) (versions.UpdateCheckResult, error)

	// CheckAll checks every installed component of an instance.
	CheckAll(ctx context.Context, instanceID string, method versions.UpdateMethod) ([]orchestrator.CheckOutcome, error)

	UpdateComponent(ctx context.Context, instanceID string, component versions.Component, opts orchestrator.UpdateOptions) (versions.UpdateResult, error)
	GetBackups(ctx context.Context, instanceID string, component versions.Component) ([]versions.VersionBackup, error)
	RestoreBackup(ctx context.Context, instanceID, backupID string) (versions.RestoreResult, error)
	GetUpdateHistory(ctx context.Context, instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error)
	GetComponentReleases(ctx context.Context, component versions.Component, limit int) ([]versions.Release, error)
}

// TaskChannel opens task event subscriptions. *taskevents.Registry satisfies it.
type TaskChannel interface {
	Open(ctx context.Context, taskID string, observer taskevents.Observer, opts ...taskevents.OpenOption) (*taskevents.Handle, error)
	Close() error
}
