package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/clean-dependency-project/botctl/internal/clamav"
	ghclient "github.com/clean-dependency-project/botctl/internal/github"
	"github.com/clean-dependency-project/botctl/internal/platform"
	"github.com/clean-dependency-project/botctl/internal/storage"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/version"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// maxParallelChecks bounds the remote lookups of one components listing.
const maxParallelChecks = 3

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Registry   *Registry
	Store      storage.Store
	Hub        *Hub
	Sources    SourceFactory
	Git        GitRunner
	Platform   platform.Platform
	BackupsDir string
	StagingDir string
	Logger     *slog.Logger
	Now        func() time.Time

	// Scanner, when set, checks every downloaded release asset before it
	// is unpacked.
	Scanner clamav.Scanner
}

// Service implements the version operations of the gateway.
type Service struct {
	registry   *Registry
	store      storage.Store
	hub        *Hub
	sources    SourceFactory
	installers map[versions.UpdateMethod]installer
	git        GitRunner
	backupsDir string
	now        func() time.Time
	logger     *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Registry == nil || cfg.Store == nil || cfg.Sources == nil {
		return nil, fmt.Errorf("registry, store and sources are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}
	if cfg.Git == nil {
		cfg.Git = ExecGit{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Platform.Classifier == "" {
		cfg.Platform = platform.CurrentPlatform()
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = filepath.Join(cfg.BackupsDir, ".staging")
	}
	return &Service{
		registry: cfg.Registry,
		store:    cfg.Store,
		hub:      cfg.Hub,
		sources:  cfg.Sources,
		installers: map[versions.UpdateMethod]installer{
			versions.UpdateMethodGit:     &gitInstaller{git: cfg.Git, logger: cfg.Logger},
			versions.UpdateMethodRelease: &releaseInstaller{platform: cfg.Platform, stagingDir: cfg.StagingDir, scanner: cfg.Scanner, logger: cfg.Logger},
		},
		git:        cfg.Git,
		backupsDir: cfg.BackupsDir,
		now:        cfg.Now,
		logger:     cfg.Logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Hub returns the task hub progress is published to.
func (s *Service) Hub() *Hub {
	return s.hub
}

// checkMethod picks how an installed component is compared: checkouts that
// record a commit follow their branch, everything else follows releases.
func checkMethod(fp Footprint) versions.UpdateMethod {
	if fp.Commit != "" {
		return versions.UpdateMethodGit
	}
	return versions.UpdateMethodRelease
}

func (s *Service) source(spec ComponentSpec) (Source, error) {
	if spec.Repository == "" {
		return nil, fmt.Errorf("%s: %w: %w", spec.Component, errNoSource, versions.ErrNotFound)
	}
	return s.sources(spec.Repository)
}

// ComponentsVersion returns the snapshot of every component of an instance.
// A failed remote lookup marks that entry check_failed and does not fail
// the listing.
func (s *Service) ComponentsVersion(ctx context.Context, instanceID string) ([]versions.ComponentVersionInfo, error) {
	inst, err := s.registry.Instance(instanceID)
	if err != nil {
		return nil, err
	}
	comps := versions.AllComponents()
	out := make([]versions.ComponentVersionInfo, len(comps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChecks)
	for i, comp := range comps {
		g.Go(func() error {
			out[i] = s.componentVersion(gctx, inst, comp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) componentVersion(ctx context.Context, inst *Instance, comp versions.Component) versions.ComponentVersionInfo {
	info := versions.ComponentVersionInfo{Component: comp, Status: versions.StatusNotInstalled}
	spec, err := inst.Component(comp)
	if err != nil {
		return info
	}
	fp, installed, err := s.footprint(ctx, spec)
	if err != nil {
		s.logger.Warn("failed to read footprint", "instance", inst.ID, "component", comp, "error", err)
		info.Installed = true
		info.Status = versions.StatusCheckFailed
		return info
	}
	if !installed {
		return info
	}
	info.Installed = true
	info.LocalVersion = fp.Version
	info.LocalCommit = ghclient.ShortSHA(fp.Commit)
	info.LocalCommitFull = fp.Commit

	res, err := s.check(ctx, spec, fp, checkMethod(fp))
	if err != nil {
		s.logger.Warn("update check failed", "instance", inst.ID, "component", comp, "error", err)
		info.Status = versions.StatusCheckFailed
		return info
	}
	gh := res.GitHubInfo
	info.GitHubInfo = &gh
	info.HasUpdate = res.HasUpdate
	info.LatestVersion = gh.LatestVersion
	info.LatestCommit = gh.LatestCommit
	info.LatestCommitFull = gh.LatestCommitFull
	if res.Comparison != nil {
		behind := res.Comparison.BehindBy
		info.CommitsBehind = &behind
	}
	info.Status = versions.StatusUpToDate
	if res.HasUpdate {
		info.Status = versions.StatusUpdateAvailable
	}
	return info
}

// Check performs a live update check of one component.
func (s *Service) Check(ctx context.Context, instanceID string, comp versions.Component) (versions.UpdateCheckResult, error) {
	_, spec, fp, err := s.installed(ctx, instanceID, comp)
	if err != nil {
		return versions.UpdateCheckResult{}, err
	}
	return s.check(ctx, spec, fp, checkMethod(fp))
}

func (s *Service) check(ctx context.Context, spec ComponentSpec, fp Footprint, method versions.UpdateMethod) (versions.UpdateCheckResult, error) {
	src, err := s.source(spec)
	if err != nil {
		return versions.UpdateCheckResult{}, err
	}
	res := versions.UpdateCheckResult{
		Component:    spec.Component,
		LocalVersion: fp.Version,
		LocalCommit:  ghclient.ShortSHA(fp.Commit),
	}

	switch method {
	case versions.UpdateMethodGit:
		head, err := src.BranchHead(ctx, spec.Branch)
		if err != nil {
			return versions.UpdateCheckResult{}, remoteError(err)
		}
		res.GitHubInfo = ghclient.CommitGitHubInfo(head)
		headSHA := head.GetSHA()
		switch {
		case fp.Commit == "":
			res.HasUpdate = true
		case strings.HasPrefix(headSHA, fp.Commit):
			res.Comparison = &versions.CommitComparison{}
		default:
			cmp, err := src.CompareCommits(ctx, fp.Commit, headSHA)
			if err != nil {
				return versions.UpdateCheckResult{}, remoteError(err)
			}
			res.Comparison = &cmp
		}
	default:
		release, err := src.LatestRelease(ctx)
		if err != nil {
			return versions.UpdateCheckResult{}, remoteError(err)
		}
		res.GitHubInfo = ghclient.ToGitHubInfo(release)
		newer, err := version.New().IsNewer(fp.Version, release.GetTagName())
		if err != nil {
			return versions.UpdateCheckResult{}, err
		}
		res.HasUpdate = newer
	}
	res.Normalize(method)
	return res, nil
}

// remoteError folds a missing remote object into the not-found taxonomy.
func remoteError(err error) error {
	if errors.Is(err, ghclient.ErrReleaseNotFound) && !errors.Is(err, versions.ErrNotFound) {
		return fmt.Errorf("%w: %v", versions.ErrNotFound, err)
	}
	return err
}

// footprint reads the recorded footprint, taking the commit from git for
// checkouts that were not installed by the gateway.
func (s *Service) footprint(ctx context.Context, spec ComponentSpec) (Footprint, bool, error) {
	fp, ok, err := ReadFootprint(spec.InstallDir)
	if err != nil || !ok || fp.Commit != "" {
		return fp, ok, err
	}
	if _, statErr := os.Stat(filepath.Join(spec.InstallDir, ".git")); statErr == nil {
		if commit, gitErr := s.git.Run(ctx, spec.InstallDir, "rev-parse", "HEAD"); gitErr == nil {
			fp.Commit = commit
		}
	}
	return fp, true, nil
}

func (s *Service) installed(ctx context.Context, instanceID string, comp versions.Component) (*Instance, ComponentSpec, Footprint, error) {
	inst, err := s.registry.Instance(instanceID)
	if err != nil {
		return nil, ComponentSpec{}, Footprint{}, err
	}
	spec, err := inst.Component(comp)
	if err != nil {
		return nil, ComponentSpec{}, Footprint{}, err
	}
	fp, ok, err := s.footprint(ctx, spec)
	if err != nil {
		return nil, ComponentSpec{}, Footprint{}, err
	}
	if !ok {
		return nil, ComponentSpec{}, Footprint{}, fmt.Errorf("%s on %s: %w", comp, instanceID, versions.ErrComponentNotInstalled)
	}
	return inst, spec, fp, nil
}

func (s *Service) lock(instanceID string, comp versions.Component) func() {
	key := instanceID + "/" + string(comp)
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func ensureStopped(inst *Instance) error {
	running, err := inst.IsRunning()
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("%s: %w", inst.ID, versions.ErrInstanceRunning)
	}
	return nil
}

// UpdateRequest carries the parameters of an update.
type UpdateRequest struct {
	InstanceID   string
	Component    versions.Component
	CreateBackup bool
	Method       versions.UpdateMethod
	TaskID       string
}

// Update backs up and replaces a component, publishing progress to the task
// channel of req.TaskID. Once the preconditions pass, every attempt appends a
// history entry; a failed attempt keeps its backup.
func (s *Service) Update(ctx context.Context, req UpdateRequest) (versions.UpdateResult, error) {
	rep := s.hub.Start(req.TaskID)
	fail := func(err error) (versions.UpdateResult, error) {
		code, _ := versions.CodeFor(err)
		rep.Fail(code, err.Error())
		return versions.UpdateResult{}, err
	}

	inst, spec, from, err := s.installed(ctx, req.InstanceID, req.Component)
	if err != nil {
		return fail(err)
	}
	if err := ensureStopped(inst); err != nil {
		return fail(err)
	}
	ins, ok := s.installers[req.Method]
	if !ok {
		return fail(&requestError{msg: fmt.Sprintf("invalid update method %q", req.Method)})
	}
	var src Source
	if req.Method == versions.UpdateMethodRelease {
		if src, err = s.source(spec); err != nil {
			return fail(err)
		}
	}

	unlock := s.lock(req.InstanceID, req.Component)
	defer unlock()

	log := s.logger.With("instance", req.InstanceID, "component", req.Component, "method", req.Method, "task_id", req.TaskID)
	log.Info("update started")
	rep.Status("pending", fmt.Sprintf("updating %s on %s", req.Component, req.InstanceID))

	entry := &storage.HistoryEntry{
		InstanceID:  req.InstanceID,
		Component:   string(req.Component),
		FromVersion: from.Version,
		FromCommit:  from.Commit,
	}
	result := versions.UpdateResult{OldVersion: from.Version, OldCommit: from.Commit}

	if req.CreateBackup {
		rep.Status("installing", "creating backup")
		backup, err := s.createBackup(req.InstanceID, spec, from, "before "+string(req.Method)+" update")
		if err != nil {
			return s.recordFailure(log, rep, entry, fmt.Errorf("backup failed: %w", err))
		}
		entry.BackupID = backup.ID
		result.BackupID = backup.ID
		rep.Log(taskevents.LevelInfo, fmt.Sprintf("backup %s created (%d bytes)", backup.ID, backup.BackupSize))
	}

	to, err := ins.install(ctx, installRequest{spec: spec, current: from, source: src, reporter: rep})
	if err != nil {
		return s.recordFailure(log, rep, entry, err)
	}

	entry.ToVersion = to.Version
	entry.ToCommit = to.Commit
	entry.Status = string(versions.HistorySuccess)
	if err := s.store.AppendHistory(entry); err != nil {
		log.Error("failed to record update history", "error", err)
	}
	result.NewVersion = to.Version
	result.NewCommit = to.Commit

	log.Info("update finished", "from", from.Version, "to", to.Version, "commit", to.Commit)
	rep.Complete(fmt.Sprintf("%s updated to %s", req.Component, describe(to)))
	return result, nil
}

func (s *Service) recordFailure(log *slog.Logger, rep Reporter, entry *storage.HistoryEntry, cause error) (versions.UpdateResult, error) {
	entry.Status = string(versions.HistoryFailed)
	entry.ErrorMessage = cause.Error()
	if err := s.store.AppendHistory(entry); err != nil {
		log.Error("failed to record update history", "error", err)
	}
	err := cause
	if !errors.Is(cause, versions.ErrUpstreamUnavailable) {
		err = fmt.Errorf("%w: %v", versions.ErrUpdateExecution, cause)
	}
	log.Error("update failed", "error", cause, "backup_id", entry.BackupID)
	rep.Log(taskevents.LevelError, cause.Error())
	code, _ := versions.CodeFor(err)
	rep.Fail(code, err.Error())
	return versions.UpdateResult{BackupID: entry.BackupID}, err
}

func describe(fp Footprint) string {
	switch {
	case fp.Version != "" && fp.Commit != "":
		return fp.Version + " (" + ghclient.ShortSHA(fp.Commit) + ")"
	case fp.Commit != "":
		return ghclient.ShortSHA(fp.Commit)
	case fp.Version != "":
		return fp.Version
	default:
		return "latest"
	}
}

func (s *Service) createBackup(instanceID string, spec ComponentSpec, fp Footprint, description string) (*storage.Backup, error) {
	id := uuid.NewString()
	path := filepath.Join(s.backupsDir, instanceID, string(spec.Component), id+".tar.gz")
	size, err := archiveDir(spec.InstallDir, path)
	if err != nil {
		return nil, err
	}
	b := &storage.Backup{
		ID:          id,
		InstanceID:  instanceID,
		Component:   string(spec.Component),
		Version:     fp.Version,
		CommitHash:  fp.Commit,
		BackupSize:  size,
		ArchivePath: path,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateBackup(b); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	return b, nil
}

// Backups lists the backups of an instance, newest first.
func (s *Service) Backups(_ context.Context, instanceID string, comp versions.Component) ([]versions.VersionBackup, error) {
	if _, err := s.registry.Instance(instanceID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListBackups(instanceID, string(comp))
	if err != nil {
		return nil, err
	}
	out := make([]versions.VersionBackup, 0, len(rows))
	for _, b := range rows {
		out = append(out, versions.VersionBackup{
			ID:          b.ID,
			Component:   versions.Component(b.Component),
			Version:     b.Version,
			CommitHash:  b.CommitHash,
			BackupSize:  b.BackupSize,
			CreatedAt:   b.CreatedAt,
			Description: b.Description,
		})
	}
	return out, nil
}

// Restore puts a backup back in place and records a rollback entry.
func (s *Service) Restore(_ context.Context, instanceID, backupID string) (versions.RestoreResult, error) {
	inst, err := s.registry.Instance(instanceID)
	if err != nil {
		return versions.RestoreResult{}, err
	}
	if strings.TrimSpace(backupID) == "" {
		return versions.RestoreResult{}, versions.ErrBackupNotFound
	}
	b, err := s.store.GetBackup(instanceID, backupID)
	if errors.Is(err, storage.ErrNotFound) {
		return versions.RestoreResult{}, fmt.Errorf("%s: %w", backupID, versions.ErrBackupNotFound)
	}
	if err != nil {
		return versions.RestoreResult{}, err
	}
	comp := versions.Component(b.Component)
	spec, err := inst.Component(comp)
	if err != nil {
		return versions.RestoreResult{}, err
	}
	if err := ensureStopped(inst); err != nil {
		return versions.RestoreResult{}, err
	}

	unlock := s.lock(instanceID, comp)
	defer unlock()

	log := s.logger.With("instance", instanceID, "component", comp, "backup_id", backupID)
	from, _, _ := ReadFootprint(spec.InstallDir)
	entry := &storage.HistoryEntry{
		InstanceID:  instanceID,
		Component:   b.Component,
		FromVersion: from.Version,
		FromCommit:  from.Commit,
		ToVersion:   b.Version,
		ToCommit:    b.CommitHash,
		BackupID:    b.ID,
	}

	if err := s.restoreArchive(b, spec); err != nil {
		entry.Status = string(versions.HistoryFailed)
		entry.ErrorMessage = err.Error()
		if herr := s.store.AppendHistory(entry); herr != nil {
			log.Error("failed to record restore history", "error", herr)
		}
		log.Error("restore failed", "error", err)
		return versions.RestoreResult{}, fmt.Errorf("%w: %v", versions.ErrUpdateExecution, err)
	}

	entry.Status = string(versions.HistoryRollback)
	if err := s.store.AppendHistory(entry); err != nil {
		log.Error("failed to record restore history", "error", err)
	}
	log.Info("backup restored", "version", b.Version, "commit", b.CommitHash)
	return versions.RestoreResult{BackupID: b.ID, Component: comp, RestoredVersion: b.Version}, nil
}

func (s *Service) restoreArchive(b *storage.Backup, spec ComponentSpec) error {
	staging := filepath.Join(s.backupsDir, ".staging")
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return err
	}
	dir, err := os.MkdirTemp(staging, "restore-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	if err := extractArchive(b.ArchivePath, dir); err != nil {
		return fmt.Errorf("failed to unpack backup: %w", err)
	}
	return replaceDir(spec.InstallDir, dir)
}

// History lists ledger entries, newest first.
func (s *Service) History(_ context.Context, instanceID string, comp versions.Component, limit int) ([]versions.UpdateHistory, error) {
	if _, err := s.registry.Instance(instanceID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListHistory(instanceID, string(comp), limit)
	if err != nil {
		return nil, err
	}
	out := make([]versions.UpdateHistory, 0, len(rows))
	for _, h := range rows {
		out = append(out, versions.UpdateHistory{
			ID:           h.ID,
			Component:    versions.Component(h.Component),
			FromVersion:  h.FromVersion,
			ToVersion:    h.ToVersion,
			FromCommit:   h.FromCommit,
			ToCommit:     h.ToCommit,
			Status:       versions.ParseHistoryStatus(h.Status),
			BackupID:     h.BackupID,
			ErrorMessage: h.ErrorMessage,
			UpdatedAt:    h.UpdatedAt,
		})
	}
	return out, nil
}

// Releases lists remote releases of a component.
func (s *Service) Releases(ctx context.Context, comp versions.Component, limit int) ([]versions.Release, error) {
	repo, err := s.registry.RepositoryFor(comp)
	if err != nil {
		return nil, err
	}
	src, err := s.sources(repo)
	if err != nil {
		return nil, err
	}
	releases, err := src.ListReleases(ctx, limit)
	if err != nil {
		return nil, remoteError(err)
	}
	out := make([]versions.Release, 0, len(releases))
	for _, r := range releases {
		out = append(out, ghclient.ToRelease(r))
	}
	return out, nil
}
