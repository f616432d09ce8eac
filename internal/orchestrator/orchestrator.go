// Package orchestrator drives the check, backup, update, history and restore
// workflow for the components of an instance. It wraps the backend gateway,
// enforces the backup-before-mutate and invalidation contracts, and serves
// reads through the query cache.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/clean-dependency-project/botctl/internal/query"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	// DefaultHistoryLimit is applied when a caller passes a non-positive limit.
	DefaultHistoryLimit = 20

	// DefaultReleaseLimit is applied when a caller passes a non-positive limit.
	DefaultReleaseLimit = 10

	// checkConcurrency bounds the number of live checks issued by CheckAll.
	checkConcurrency = 3
)

// Backend is the gateway contract. *api.Client satisfies it.
type Backend interface {
	ComponentsVersion(ctx context.Context, instanceID string) ([]versions.ComponentVersionInfo, error)
	CheckComponentUpdate(ctx context.Context, instanceID string, component versions.Component) (versions.UpdateCheckResult, error)
	UpdateComponent(ctx context.Context, instanceID string, component versions.Component, createBackup bool, method versions.UpdateMethod, taskID string) (versions.UpdateResult, error)
	Backups(ctx context.Context, instanceID string, component versions.Component) ([]versions.VersionBackup, error)
	RestoreBackup(ctx context.Context, instanceID, backupID string) (versions.RestoreResult, error)
	UpdateHistory(ctx context.Context, instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error)
	ComponentReleases(ctx context.Context, component versions.Component, limit int) ([]versions.Release, error)
}

// InstanceState is the run state reported by an instance registry.
type InstanceState string

const (
	InstanceRunning InstanceState = "running"
	InstanceStopped InstanceState = "stopped"
	InstanceUnknown InstanceState = "unknown"
)

// InstanceRegistry resolves an instance to its run state. It is used only to
// gate mutations.
type InstanceRegistry interface {
	InstanceState(ctx context.Context, instanceID string) (InstanceState, error)
}

// UpdateOptions controls a component update.
type UpdateOptions struct {
	CreateBackup bool
	Method       versions.UpdateMethod
	// TaskID correlates the update with a task event channel. Optional.
	TaskID string
}

// DefaultUpdateOptions returns the options used when a caller has no preference:
// back up first and update from git.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{CreateBackup: true, Method: versions.UpdateMethodGit}
}

// PartialError reports that a result was returned but could not be fully
// refreshed from upstream.
type PartialError struct {
	InstanceID string
	Err        error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial version data for instance %s: %v", e.InstanceID, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

// CheckOutcome is the result of one component check in a batch.
type CheckOutcome struct {
	Component versions.Component
	Result    versions.UpdateCheckResult
	Err       error
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	backend  Backend
	cache    *query.Cache
	registry InstanceRegistry
	logger   *slog.Logger
}

// New creates an orchestrator. registry may be nil, in which case mutations
// are never gated. A nil cache gets a cache with the default policy.
func New(backend Backend, cache *query.Cache, registry InstanceRegistry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = query.New(nil, query.WithLogger(logger))
	}
	return &Orchestrator{
		backend:  backend,
		cache:    cache,
		registry: registry,
		logger:   logger,
	}
}

func versionsKey(instanceID string) query.Key {
	return query.Key{Kind: query.KindComponentsVersion, InstanceID: instanceID}
}

// GetComponentsVersion returns the version snapshot of every component of an
// instance. When the upstream version source is unreachable, each component is
// reported as check_failed and a *PartialError wrapping
// versions.ErrUpstreamUnavailable is returned alongside the degraded list.
func (o *Orchestrator) GetComponentsVersion(ctx context.Context, instanceID string, force bool) ([]versions.ComponentVersionInfo, error) {
	if err := validateInstance(instanceID); err != nil {
		return nil, err
	}
	key := versionsKey(instanceID)
	infos, err := query.Typed(ctx, o.cache, key, force, func(ctx context.Context) ([]versions.ComponentVersionInfo, error) {
		return o.backend.ComponentsVersion(ctx, instanceID)
	})
	if err == nil {
		return cloneInfos(infos), nil
	}
	if !errors.Is(err, versions.ErrUpstreamUnavailable) {
		return nil, err
	}

	o.logger.Warn("version source unavailable, degrading components to check_failed",
		"instance_id", instanceID, "error", err)
	return o.degraded(key), &PartialError{InstanceID: instanceID, Err: err}
}

// degraded builds a check_failed list, keeping the local footprint from any
// stale snapshot still held by the cache.
func (o *Orchestrator) degraded(key query.Key) []versions.ComponentVersionInfo {
	if v, ok := o.cache.Peek(key); ok {
		if stale, ok := v.([]versions.ComponentVersionInfo); ok && len(stale) > 0 {
			out := cloneInfos(stale)
			for i := range out {
				out[i].Status = versions.StatusCheckFailed
				out[i].HasUpdate = false
			}
			return out
		}
	}
	out := make([]versions.ComponentVersionInfo, 0, len(versions.AllComponents()))
	for _, c := range versions.AllComponents() {
		out = append(out, versions.ComponentVersionInfo{Component: c, Status: versions.StatusCheckFailed})
	}
	return out
}

// CheckComponentUpdate performs a live update check. The result is never
// served from cache; on success the cached version list is patched with it,
// on an upstream failure the cached entry is marked check_failed.
func (o *Orchestrator) CheckComponentUpdate(ctx context.Context, instanceID string, component versions.Component, method versions.UpdateMethod) (versions.UpdateCheckResult, error) {
	if err := validateInstance(instanceID); err != nil {
		return versions.UpdateCheckResult{}, err
	}
	if _, err := versions.ParseComponent(string(component)); err != nil {
		return versions.UpdateCheckResult{}, err
	}
	if method == "" {
		method = versions.UpdateMethodGit
	}

	key := query.Key{Kind: query.KindComponentCheck, InstanceID: instanceID, Component: component}
	res, err := query.Typed(ctx, o.cache, key, true, func(ctx context.Context) (versions.UpdateCheckResult, error) {
		return o.backend.CheckComponentUpdate(ctx, instanceID, component)
	})
	if err != nil {
		if errors.Is(err, versions.ErrUpstreamUnavailable) {
			o.patchInfo(instanceID, component, func(info *versions.ComponentVersionInfo) {
				info.Status = versions.StatusCheckFailed
				info.HasUpdate = false
			})
		}
		o.logger.Warn("component check failed",
			"instance_id", instanceID, "component", component, "error", err)
		return versions.UpdateCheckResult{}, err
	}

	if res.Component == "" {
		res.Component = component
	}
	res.Normalize(method)
	o.patchInfo(instanceID, component, func(info *versions.ComponentVersionInfo) {
		applyCheck(info, res)
	})
	o.logger.Debug("component checked",
		"instance_id", instanceID, "component", component,
		"method", method, "has_update", res.HasUpdate)
	return res, nil
}

// applyCheck folds a live check into the read model.
func applyCheck(info *versions.ComponentVersionInfo, res versions.UpdateCheckResult) {
	info.HasUpdate = res.HasUpdate
	if res.HasUpdate {
		info.Status = versions.StatusUpdateAvailable
	} else {
		info.Status = versions.StatusUpToDate
	}
	if v := res.GitHubInfo.LatestVersion; v != "" {
		info.LatestVersion = v
	}
	if c := res.GitHubInfo.LatestCommit; c != "" {
		info.LatestCommit = c
	}
	if c := res.GitHubInfo.LatestCommitFull; c != "" {
		info.LatestCommitFull = c
	}
	gh := res.GitHubInfo
	info.GitHubInfo = &gh
	if res.Comparison != nil {
		behind := res.Comparison.BehindBy
		info.CommitsBehind = &behind
	} else {
		info.CommitsBehind = nil
	}
}

func (o *Orchestrator) patchInfo(instanceID string, component versions.Component, fn func(*versions.ComponentVersionInfo)) {
	o.cache.Patch(versionsKey(instanceID), func(v any) any {
		infos, ok := v.([]versions.ComponentVersionInfo)
		if !ok {
			return v
		}
		out := cloneInfos(infos)
		for i := range out {
			if out[i].Component == component {
				fn(&out[i])
			}
		}
		return out
	})
}

// CheckAll checks every installed component of an instance concurrently. A
// failing component never aborts the batch; it is reported in its outcome.
func (o *Orchestrator) CheckAll(ctx context.Context, instanceID string, method versions.UpdateMethod) ([]CheckOutcome, error) {
	infos, err := o.GetComponentsVersion(ctx, instanceID, false)
	var partial *PartialError
	if err != nil && !errors.As(err, &partial) {
		return nil, err
	}

	var targets []versions.Component
	for _, info := range infos {
		// A degraded list does not know what is installed; check everything.
		if info.Installed || partial != nil {
			targets = append(targets, info.Component)
		}
	}

	outcomes := make([]CheckOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for i, c := range targets {
		g.Go(func() error {
			res, err := o.CheckComponentUpdate(gctx, instanceID, c, method)
			outcomes[i] = CheckOutcome{Component: c, Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// UpdateComponent updates one component through the backend. Caches of the
// instance are invalidated whether the update succeeded or not, since a failed
// attempt still records history and possibly a backup. Failures are never
// retried or rolled back here; when the backend took a backup before failing,
// its id is returned alongside the error so the caller can restore it.
func (o *Orchestrator) UpdateComponent(ctx context.Context, instanceID string, component versions.Component, opts UpdateOptions) (versions.UpdateResult, error) {
	if err := validateInstance(instanceID); err != nil {
		return versions.UpdateResult{}, err
	}
	if _, err := versions.ParseComponent(string(component)); err != nil {
		return versions.UpdateResult{}, err
	}
	method, err := versions.ParseUpdateMethod(string(opts.Method))
	if err != nil {
		return versions.UpdateResult{}, err
	}
	if err := o.ensureStopped(ctx, instanceID); err != nil {
		return versions.UpdateResult{}, err
	}

	log := o.logger.With("instance_id", instanceID, "component", component, "method", method, "task_id", opts.TaskID)
	log.Info("updating component", "create_backup", opts.CreateBackup)

	res, err := o.backend.UpdateComponent(ctx, instanceID, component, opts.CreateBackup, method, opts.TaskID)
	o.cache.InvalidateInstance(instanceID, component)
	if err != nil {
		log.Error("component update failed", "error", err, "backup_id", res.BackupID)
		return versions.UpdateResult{BackupID: res.BackupID}, err
	}
	if opts.CreateBackup && res.BackupID == "" {
		log.Error("update reported success without a backup")
		return res, fmt.Errorf("%w: backend reported success without a backup id", versions.ErrUpdateExecution)
	}

	log.Info("component updated",
		"backup_id", res.BackupID,
		"old_version", res.OldVersion, "new_version", res.NewVersion,
		"old_commit", res.OldCommit, "new_commit", res.NewCommit)
	return res, nil
}

// GetBackups lists backups of an instance newest first, optionally filtered
// by component.
func (o *Orchestrator) GetBackups(ctx context.Context, instanceID string, component versions.Component) ([]versions.VersionBackup, error) {
	if err := validateInstance(instanceID); err != nil {
		return nil, err
	}
	key := query.Key{Kind: query.KindBackups, InstanceID: instanceID, Component: component}
	backups, err := query.Typed(ctx, o.cache, key, false, func(ctx context.Context) ([]versions.VersionBackup, error) {
		return o.backend.Backups(ctx, instanceID, component)
	})
	if err != nil {
		return nil, err
	}

	out := make([]versions.VersionBackup, 0, len(backups))
	for _, b := range backups {
		if component == "" || b.Component == component {
			out = append(out, b)
		}
	}
	versions.SortBackupsNewestFirst(out)
	return out, nil
}

// RestoreBackup restores a backup of the instance. It does not back up the
// current state first; the backend records a rollback history entry.
func (o *Orchestrator) RestoreBackup(ctx context.Context, instanceID, backupID string) (versions.RestoreResult, error) {
	if err := validateInstance(instanceID); err != nil {
		return versions.RestoreResult{}, err
	}
	backupID = strings.TrimSpace(backupID)
	if backupID == "" {
		return versions.RestoreResult{}, fmt.Errorf("%w: empty backup id", versions.ErrBackupNotFound)
	}
	if err := o.ensureStopped(ctx, instanceID); err != nil {
		return versions.RestoreResult{}, err
	}

	log := o.logger.With("instance_id", instanceID, "backup_id", backupID)
	log.Info("restoring backup")

	res, err := o.backend.RestoreBackup(ctx, instanceID, backupID)
	if err != nil {
		if !errors.Is(err, versions.ErrBackupNotFound) {
			o.cache.InvalidateInstance(instanceID, "")
		}
		log.Error("restore failed", "error", err)
		return versions.RestoreResult{}, err
	}
	o.cache.InvalidateInstance(instanceID, res.Component)

	log.Info("backup restored", "component", res.Component, "restored_version", res.RestoredVersion)
	return res, nil
}

// GetUpdateHistory returns at most limit history entries, newest first.
func (o *Orchestrator) GetUpdateHistory(ctx context.Context, instanceID string, component versions.Component, limit int) ([]versions.UpdateHistory, error) {
	if err := validateInstance(instanceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := query.Key{Kind: query.KindHistory, InstanceID: instanceID, Component: component, Extra: strconv.Itoa(limit)}
	history, err := query.Typed(ctx, o.cache, key, false, func(ctx context.Context) ([]versions.UpdateHistory, error) {
		return o.backend.UpdateHistory(ctx, instanceID, component, limit)
	})
	if err != nil {
		return nil, err
	}

	out := make([]versions.UpdateHistory, len(history))
	copy(out, history)
	versions.SortHistoryNewestFirst(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetComponentReleases lists remote releases of a component.
func (o *Orchestrator) GetComponentReleases(ctx context.Context, component versions.Component, limit int) ([]versions.Release, error) {
	if _, err := versions.ParseComponent(string(component)); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultReleaseLimit
	}
	key := query.Key{Kind: query.KindReleases, Component: component, Extra: strconv.Itoa(limit)}
	releases, err := query.Typed(ctx, o.cache, key, false, func(ctx context.Context) ([]versions.Release, error) {
		return o.backend.ComponentReleases(ctx, component, limit)
	})
	if err != nil {
		return nil, err
	}
	out := make([]versions.Release, len(releases))
	copy(out, releases)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Orchestrator) ensureStopped(ctx context.Context, instanceID string) error {
	if o.registry == nil {
		return nil
	}
	state, err := o.registry.InstanceState(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to resolve instance %s: %w", instanceID, err)
	}
	if state == InstanceRunning {
		return fmt.Errorf("%w: %s", versions.ErrInstanceRunning, instanceID)
	}
	return nil
}

func validateInstance(instanceID string) error {
	if strings.TrimSpace(instanceID) == "" {
		return fmt.Errorf("%w: empty instance id", versions.ErrNotFound)
	}
	return nil
}

func cloneInfos(in []versions.ComponentVersionInfo) []versions.ComponentVersionInfo {
	out := make([]versions.ComponentVersionInfo, len(in))
	copy(out, in)
	return out
}
