package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	gogithub "github.com/google/go-github/v57/github"

	"github.com/clean-dependency-project/botctl/internal/clamav"
	ghclient "github.com/clean-dependency-project/botctl/internal/github"
	"github.com/clean-dependency-project/botctl/internal/gpg"
	"github.com/clean-dependency-project/botctl/internal/platform"
	"github.com/clean-dependency-project/botctl/internal/storage"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// Source is the remote a component is checked and updated against.
// *github.Client satisfies it.
type Source interface {
	LatestRelease(ctx context.Context) (*gogithub.RepositoryRelease, error)
	ListReleases(ctx context.Context, limit int) ([]*gogithub.RepositoryRelease, error)
	BranchHead(ctx context.Context, branch string) (*gogithub.RepositoryCommit, error)
	CompareCommits(ctx context.Context, base, head string) (versions.CommitComparison, error)
	DownloadAsset(ctx context.Context, assetID int64, w io.Writer) (int64, error)
}

// SourceFactory returns the Source of a repository.
type SourceFactory func(repository string) (Source, error)

// GitHubSources builds one GitHub client per repository and reuses it.
// apiURL selects a GitHub Enterprise API root; empty means api.github.com.
func GitHubSources(token, apiURL string) SourceFactory {
	var mu sync.Mutex
	clients := make(map[string]*ghclient.Client)
	return func(repository string) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[repository]; ok {
			return c, nil
		}
		var opts []ghclient.Option
		if apiURL != "" {
			opts = append(opts, ghclient.WithBaseURL(apiURL))
		}
		c, err := ghclient.NewClient(token, repository, opts...)
		if err != nil {
			return nil, err
		}
		clients[repository] = c
		return c, nil
	}
}

// GitRunner runs git in a working tree and returns its trimmed output.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit runs the git binary found in PATH.
type ExecGit struct{}

// Run implements GitRunner.
func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %v (%s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

type installRequest struct {
	spec     ComponentSpec
	current  Footprint
	source   Source
	reporter Reporter
}

type installer interface {
	install(ctx context.Context, req installRequest) (Footprint, error)
}

// gitInstaller fast-forwards a checkout to the remote branch head.
type gitInstaller struct {
	git    GitRunner
	logger *slog.Logger
}

func (g *gitInstaller) install(ctx context.Context, req installRequest) (Footprint, error) {
	dir, branch, rep := req.spec.InstallDir, req.spec.Branch, req.reporter

	rep.Status("downloading", "fetching origin/"+branch)
	if _, err := g.git.Run(ctx, dir, "fetch", "--tags", "origin", branch); err != nil {
		return Footprint{}, err
	}
	rep.Progress(1, 3, "fetched origin/"+branch)

	rep.Status("installing", "resetting to origin/"+branch)
	if _, err := g.git.Run(ctx, dir, "reset", "--hard", "origin/"+branch); err != nil {
		return Footprint{}, err
	}
	rep.Progress(2, 3, "checked out origin/"+branch)

	commit, err := g.git.Run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return Footprint{}, err
	}
	fp := Footprint{Version: req.current.Version, Commit: commit}
	if tag, err := g.git.Run(ctx, dir, "describe", "--tags", "--abbrev=0"); err == nil && tag != "" {
		fp.Version = tag
	}
	if err := WriteFootprint(dir, fp); err != nil {
		return Footprint{}, err
	}
	rep.Progress(3, 3, "at "+ghclient.ShortSHA(commit))
	g.logger.Info("git update applied", "dir", dir, "commit", commit, "version", fp.Version)
	return fp, nil
}

// releaseInstaller downloads, verifies and unpacks the latest release asset.
type releaseInstaller struct {
	platform   platform.Platform
	stagingDir string
	scanner    clamav.Scanner
	logger     *slog.Logger
}

func (ri *releaseInstaller) install(ctx context.Context, req installRequest) (Footprint, error) {
	rep := req.reporter
	rep.Status("downloading", "resolving latest release")
	release, err := req.source.LatestRelease(ctx)
	if err != nil {
		return Footprint{}, err
	}
	tag := release.GetTagName()

	names := make([]string, 0, len(release.Assets))
	for _, a := range release.Assets {
		names = append(names, a.GetName())
	}
	assetName, err := ri.platform.SelectAsset(names, req.spec.AssetPattern, tag)
	if err != nil {
		return Footprint{}, err
	}

	tmp, err := storage.NewTempDir(ri.stagingDir, string(req.spec.Component), tag)
	if err != nil {
		return Footprint{}, err
	}
	defer func() {
		if err := tmp.Remove(); err != nil {
			ri.logger.Warn("failed to remove staging dir", "dir", tmp.Root(), "error", err)
		}
	}()

	archivePath, err := ri.download(ctx, req, release, assetName, tmp.Downloads(), true)
	if err != nil {
		return Footprint{}, err
	}
	if err := ri.verify(ctx, req, release, assetName, archivePath, tmp.Downloads()); err != nil {
		return Footprint{}, err
	}
	if err := ri.scan(ctx, rep, assetName, archivePath); err != nil {
		return Footprint{}, err
	}

	rep.Status("installing", "extracting "+assetName)
	if err := extractArchive(archivePath, tmp.Extract()); err != nil {
		return Footprint{}, fmt.Errorf("failed to extract %s: %w", assetName, err)
	}
	root, err := payloadRoot(tmp.Extract())
	if err != nil {
		return Footprint{}, err
	}
	fp := Footprint{Version: tag}
	if err := WriteFootprint(root, fp); err != nil {
		return Footprint{}, err
	}
	if err := replaceDir(req.spec.InstallDir, root); err != nil {
		return Footprint{}, err
	}
	ri.logger.Info("release installed", "dir", req.spec.InstallDir, "tag", tag, "asset", assetName)
	return fp, nil
}

// verify checks the published checksum, and the detached signature when the
// component pins a signing key.
func (ri *releaseInstaller) verify(ctx context.Context, req installRequest, release *gogithub.RepositoryRelease, assetName, archivePath, dir string) error {
	rep := req.reporter
	checked := false
	for _, name := range []string{assetName + ".sha256", "checksums.txt", "SHA256SUMS"} {
		if _, err := ghclient.FindAsset(release, name); err != nil {
			continue
		}
		sumPath, err := ri.download(ctx, req, release, name, dir, false)
		if err != nil {
			return err
		}
		if err := verifyChecksum(sumPath, archivePath, assetName); err != nil {
			return err
		}
		rep.Log(taskevents.LevelInfo, "checksum verified with "+name)
		checked = true
		break
	}
	if !checked {
		rep.Log(taskevents.LevelWarning, "release publishes no checksum for "+assetName)
	}

	if req.spec.PublicKeyFile == "" {
		return nil
	}
	keyRing, err := gpg.LoadKeyRing(req.spec.PublicKeyFile)
	if err != nil {
		return err
	}
	for _, ext := range []string{".asc", ".sig"} {
		if _, err := ghclient.FindAsset(release, assetName+ext); err != nil {
			continue
		}
		sigPath, err := ri.download(ctx, req, release, assetName+ext, dir, false)
		if err != nil {
			return err
		}
		if err := gpg.VerifyDetachedSignature(keyRing, archivePath, sigPath); err != nil {
			return err
		}
		rep.Log(taskevents.LevelInfo, "signature verified")
		return nil
	}
	return fmt.Errorf("%w: no signature published for %s", ghclient.ErrNoAsset, assetName)
}

// scan rejects an asset the malware scanner flags. Without a scanner it is a
// no-op.
func (ri *releaseInstaller) scan(ctx context.Context, rep Reporter, assetName, archivePath string) error {
	if ri.scanner == nil {
		return nil
	}
	rep.Status("installing", "scanning "+assetName)
	res, err := ri.scanner.Scan(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", assetName, err)
	}
	if !res.Clean {
		return fmt.Errorf("%w: %s: %s", ErrAssetInfected, assetName, strings.Join(res.Threats, ", "))
	}
	msg := "malware scan clean"
	if res.Engine.Version != "" {
		msg += " (clamav " + res.Engine.Version + ")"
	}
	rep.Log(taskevents.LevelInfo, msg)
	return nil
}

func (ri *releaseInstaller) download(ctx context.Context, req installRequest, release *gogithub.RepositoryRelease, name, dir string, report bool) (string, error) {
	asset, err := ghclient.FindAsset(release, name)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(name))
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return "", err
	}
	var w io.Writer = f
	if report {
		req.reporter.Status("downloading", "downloading "+name)
		w = &progressWriter{w: f, total: int64(asset.GetSize()), name: name, rep: req.reporter}
	}
	_, err = req.source.DownloadAsset(ctx, asset.GetID(), w)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return dst, nil
}

// progressWriter reports download progress at whole-percent steps.
type progressWriter struct {
	w       io.Writer
	written int64
	total   int64
	lastPct int64
	name    string
	rep     Reporter
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.total > 0 {
		pct := p.written * 100 / p.total
		if pct > p.lastPct {
			p.lastPct = pct
			p.rep.Progress(p.written, p.total, p.name)
		}
	}
	return n, err
}

var errNoSource = errors.New("component has no repository configured")

// ErrAssetInfected is returned when the malware scanner flags a release asset.
var ErrAssetInfected = errors.New("release asset failed malware scan")
