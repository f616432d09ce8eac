package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v57/github"

	"github.com/clean-dependency-project/botctl/internal/config"
	"github.com/clean-dependency-project/botctl/internal/platform"
	"github.com/clean-dependency-project/botctl/internal/storage"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	testInstance  = "bot-1"
	oldMainCommit = "1111111111111111111111111111111111111111"
	newMainCommit = "2222222222222222222222222222222222222222"
)

// fakeSource serves one repository from memory.
type fakeSource struct {
	mu         sync.Mutex
	release    *gogithub.RepositoryRelease
	releases   []*gogithub.RepositoryRelease
	head       *gogithub.RepositoryCommit
	comparison versions.CommitComparison
	assets     map[int64][]byte
	err        error
	downloads  int
}

func (f *fakeSource) LatestRelease(context.Context) (*gogithub.RepositoryRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.release == nil {
		return nil, fmt.Errorf("latest: %w", versions.ErrNotFound)
	}
	return f.release, nil
}

func (f *fakeSource) ListReleases(_ context.Context, limit int) ([]*gogithub.RepositoryRelease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.releases) > limit {
		return f.releases[:limit], nil
	}
	return f.releases, nil
}

func (f *fakeSource) BranchHead(context.Context, string) (*gogithub.RepositoryCommit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.head, nil
}

func (f *fakeSource) CompareCommits(context.Context, string, string) (versions.CommitComparison, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return versions.CommitComparison{}, f.err
	}
	return f.comparison, nil
}

func (f *fakeSource) DownloadAsset(_ context.Context, id int64, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.assets[id]
	err := f.err
	f.downloads++
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("asset %d: %w", id, versions.ErrNotFound)
	}
	n, err := io.Copy(w, bytes.NewReader(data))
	return n, err
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// addRelease publishes tag with the given assets, newest first.
func (f *fakeSource) addRelease(tag string, assets map[string][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assets == nil {
		f.assets = make(map[int64][]byte)
	}
	rel := &gogithub.RepositoryRelease{
		TagName:     gogithub.String(tag),
		Name:        gogithub.String("Release " + tag),
		Body:        gogithub.String("changes in " + tag),
		HTMLURL:     gogithub.String("https://github.com/owner/repo/releases/" + tag),
		PublishedAt: &gogithub.Timestamp{Time: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
	}
	id := int64(len(f.assets) + 1)
	for name, data := range assets {
		rel.Assets = append(rel.Assets, &gogithub.ReleaseAsset{
			ID:   gogithub.Int64(id),
			Name: gogithub.String(name),
			Size: gogithub.Int(len(data)),
		})
		f.assets[id] = data
		id++
	}
	f.release = rel
	f.releases = append([]*gogithub.RepositoryRelease{rel}, f.releases...)
}

func commit(sha, message string) *gogithub.RepositoryCommit {
	return &gogithub.RepositoryCommit{
		SHA: gogithub.String(sha),
		Commit: &gogithub.Commit{
			Message: gogithub.String(message),
			Author: &gogithub.CommitAuthor{
				Name: gogithub.String("dev"),
				Date: &gogithub.Timestamp{Time: time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)},
			},
		},
	}
}

// fakeGit answers the commands the git installer runs.
type fakeGit struct {
	mu    sync.Mutex
	head  string
	tag   string
	fail  string
	calls []string
}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, strings.Join(args, " "))
	if g.fail != "" && args[0] == g.fail {
		return "", fmt.Errorf("git %s failed: exit status 128", args[0])
	}
	switch args[0] {
	case "rev-parse":
		return g.head, nil
	case "describe":
		if g.tag == "" {
			return "", fmt.Errorf("no names found")
		}
		return g.tag, nil
	case "reset":
		if err := os.WriteFile(filepath.Join(dir, "CHANGELOG.md"), []byte(g.head), 0o644); err != nil {
			return "", err
		}
	}
	return "", nil
}

// releaseArchive builds a tar.gz whose payload sits under a single top-level
// directory, as release archives usually do.
func releaseArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	src := t.TempDir()
	for name, body := range files {
		p := filepath.Join(src, "NapCat.Shell", name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	dst := filepath.Join(t.TempDir(), "asset.tar.gz")
	if _, err := archiveDir(src, dst); err != nil {
		t.Fatalf("archiveDir() error: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func sha256Line(data []byte, name string) []byte {
	sum := sha256.Sum256(data)
	return []byte(hex.EncodeToString(sum[:]) + "  " + name + "\n")
}

type fixture struct {
	svc        *Service
	reg        *Registry
	store      *storage.DB
	hub        *Hub
	sources    map[string]*fakeSource
	git        *fakeGit
	stateFile  string
	mainDir    string
	napcatDir  string
	adapterDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		sources: map[string]*fakeSource{
			"owner/main":    {head: commit(newMainCommit, "fix: reconnect\n\nbody")},
			"owner/napcat":  {},
			"owner/adapter": {},
		},
		git:        &fakeGit{head: newMainCommit, tag: "v1.1.0"},
		stateFile:  filepath.Join(root, "bot-1.state"),
		mainDir:    filepath.Join(root, "main"),
		napcatDir:  filepath.Join(root, "napcat"),
		adapterDir: filepath.Join(root, "adapter"),
	}

	mustInstall(t, f.mainDir, Footprint{Version: "v1.0.0", Commit: oldMainCommit}, map[string]string{"bot.py": "v1"})
	mustInstall(t, f.napcatDir, Footprint{Version: "v4.8.0"}, map[string]string{"index.js": "old", "stale.js": "old"})

	var err error
	f.reg, err = NewRegistry([]config.InstanceConfig{{
		ID:        testInstance,
		Name:      "Test Bot",
		StateFile: f.stateFile,
		Components: map[string]config.ComponentConfig{
			"main":           {InstallDir: f.mainDir, Repository: "owner/main"},
			"napcat":         {InstallDir: f.napcatDir, Repository: "owner/napcat", AssetPattern: "napcat-{version}.tar.gz"},
			"napcat-adapter": {InstallDir: f.adapterDir, Repository: "owner/adapter"},
		},
	}})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}

	f.store, err = storage.InitDB(storage.Config{DatabasePath: filepath.Join(root, "ledger.db")})
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	t.Cleanup(func() { _ = f.store.Close() })

	f.hub = NewHub(nil, WithPendingGrace(200*time.Millisecond))
	f.svc, err = NewService(ServiceConfig{
		Registry: f.reg,
		Store:    f.store,
		Hub:      f.hub,
		Sources: func(repo string) (Source, error) {
			src, ok := f.sources[repo]
			if !ok {
				return nil, fmt.Errorf("unknown repo %s", repo)
			}
			return src, nil
		},
		Git:        f.git,
		Platform:   platform.CurrentPlatform(),
		BackupsDir: filepath.Join(root, "backups"),
	})
	if err != nil {
		t.Fatalf("NewService() error: %v", err)
	}
	return f
}

func mustInstall(t *testing.T, dir string, fp Footprint, files map[string]string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteFootprint(dir, fp); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) setRunning(t *testing.T, running bool) {
	t.Helper()
	state := "stopped"
	if running {
		state = "running"
	}
	if err := os.WriteFile(f.stateFile, []byte(state+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

// publishNapcat makes v4.9.0 the latest napcat release with a checksum.
func (f *fixture) publishNapcat(t *testing.T) {
	t.Helper()
	archive := releaseArchive(t, map[string]string{"index.js": "new", "lib/core.js": "core"})
	f.sources["owner/napcat"].addRelease("v4.9.0", map[string][]byte{
		"napcat-4.9.0.tar.gz":        archive,
		"napcat-4.9.0.tar.gz.sha256": sha256Line(archive, "napcat-4.9.0.tar.gz"),
	})
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
