// Package github provides a read-only client for the GitHub releases,
// branches and compare APIs that component version checks rely on.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"

	"github.com/clean-dependency-project/botctl/internal/versions"
)

// Sentinel errors for GitHub operations.
var (
	ErrInvalidRepo     = errors.New("repository must be in format 'owner/repo'")
	ErrNilRelease      = errors.New("github release cannot be nil")
	ErrReleaseNotFound = errors.New("release not found")
	ErrNoAsset         = errors.New("release has no matching asset")
)

// Client wraps the GitHub API client for one repository.
type Client struct {
	client *github.Client
	http   *http.Client
	owner  string
	repo   string
}

// Option configures a Client.
type Option func(*options)

type options struct {
	httpClient *http.Client
	baseURL    string
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithBaseURL points the client at a GitHub Enterprise API root or a test
// server instead of api.github.com.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// NewClient creates a GitHub API client for the specified repository.
// The token is optional; anonymous clients are subject to lower rate limits.
// Repository must be in the format "owner/repo".
func NewClient(token, repository string, opts ...Option) (*Client, error) {
	owner, repo, err := parseRepository(repository)
	if err != nil {
		return nil, err
	}
	o := options{httpClient: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}

	client := github.NewClient(o.httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	if o.baseURL != "" {
		base, err := url.Parse(strings.TrimRight(o.baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid github base url %q: %w", o.baseURL, err)
		}
		client.BaseURL = base
		client.UploadURL = base
	}

	return &Client{client: client, http: o.httpClient, owner: owner, repo: repo}, nil
}

// Repository returns "owner/repo".
func (c *Client) Repository() string {
	return c.owner + "/" + c.repo
}

// LatestRelease returns the newest non-draft, non-prerelease release.
func (c *Client) LatestRelease(ctx context.Context) (*github.RepositoryRelease, error) {
	release, resp, err := c.client.Repositories.GetLatestRelease(ctx, c.owner, c.repo)
	if err != nil {
		return nil, c.wrap("get latest release", resp, err, ErrReleaseNotFound)
	}
	return release, nil
}

// ListReleases returns at most limit releases, newest first.
func (c *Client) ListReleases(ctx context.Context, limit int) ([]*github.RepositoryRelease, error) {
	if limit <= 0 {
		limit = 10
	}
	perPage := limit
	if perPage > 100 {
		perPage = 100
	}
	releases, resp, err := c.client.Repositories.ListReleases(ctx, c.owner, c.repo, &github.ListOptions{PerPage: perPage})
	if err != nil {
		return nil, c.wrap("list releases", resp, err, versions.ErrNotFound)
	}
	if len(releases) > limit {
		releases = releases[:limit]
	}
	return releases, nil
}

// BranchHead returns the head commit of a branch.
func (c *Client) BranchHead(ctx context.Context, branch string) (*github.RepositoryCommit, error) {
	if branch == "" {
		return nil, fmt.Errorf("branch cannot be empty")
	}
	b, resp, err := c.client.Repositories.GetBranch(ctx, c.owner, c.repo, branch, 1)
	if err != nil {
		return nil, c.wrap("get branch "+branch, resp, err, versions.ErrNotFound)
	}
	if b.GetCommit() == nil {
		return nil, fmt.Errorf("branch %s has no head commit", branch)
	}
	return b.GetCommit(), nil
}

// CompareCommits compares a local commit (base) against a remote one (head).
// BehindBy counts the remote commits the local checkout is missing.
func (c *Client) CompareCommits(ctx context.Context, base, head string) (versions.CommitComparison, error) {
	cmp, resp, err := c.client.Repositories.CompareCommits(ctx, c.owner, c.repo, base, head, &github.ListOptions{PerPage: 100})
	if err != nil {
		return versions.CommitComparison{}, c.wrap("compare "+base+"..."+head, resp, err, versions.ErrNotFound)
	}
	return ToComparison(cmp), nil
}

// DownloadAsset streams a release asset into w and returns the bytes written.
func (c *Client) DownloadAsset(ctx context.Context, assetID int64, w io.Writer) (int64, error) {
	rc, _, err := c.client.Repositories.DownloadReleaseAsset(ctx, c.owner, c.repo, assetID, c.http)
	if err != nil {
		return 0, fmt.Errorf("failed to download asset %d: %w: %v", assetID, versions.ErrUpstreamUnavailable, err)
	}
	defer func() { _ = rc.Close() }()
	n, err := io.Copy(w, rc)
	if err != nil {
		return n, fmt.Errorf("failed to read asset %d: %w", assetID, err)
	}
	return n, nil
}

// FindAsset returns the asset named name.
func FindAsset(release *github.RepositoryRelease, name string) (*github.ReleaseAsset, error) {
	if release == nil {
		return nil, ErrNilRelease
	}
	for _, a := range release.Assets {
		if a.GetName() == name {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAsset, name)
}

// wrap maps a go-github failure onto the version error taxonomy.
func (c *Client) wrap(op string, resp *github.Response, err error, notFound error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s/%s: %s: %w", c.owner, c.repo, op, notFound)
	}
	return fmt.Errorf("%s/%s: %s: %w: %v", c.owner, c.repo, op, versions.ErrUpstreamUnavailable, err)
}

// ToGitHubInfo converts a release into the remote description of a component.
func ToGitHubInfo(release *github.RepositoryRelease) versions.GitHubInfo {
	if release == nil {
		return versions.GitHubInfo{}
	}
	info := versions.GitHubInfo{
		LatestVersion: release.GetTagName(),
		Changelog:     release.GetBody(),
		ReleaseURL:    release.GetHTMLURL(),
		HTMLURL:       release.GetHTMLURL(),
		Author:        release.GetAuthor().GetLogin(),
	}
	if release.PublishedAt != nil {
		info.PublishedAt = release.GetPublishedAt().UTC().Format(time.RFC3339)
	}
	for _, a := range release.Assets {
		info.Assets = append(info.Assets, versions.ReleaseAsset{
			Name:        a.GetName(),
			Size:        int64(a.GetSize()),
			DownloadURL: a.GetBrowserDownloadURL(),
		})
	}
	return info
}

// CommitGitHubInfo converts a branch head into the remote description of a
// git-tracked component.
func CommitGitHubInfo(commit *github.RepositoryCommit) versions.GitHubInfo {
	if commit == nil {
		return versions.GitHubInfo{}
	}
	sha := commit.GetSHA()
	info := versions.GitHubInfo{
		LatestCommit:     ShortSHA(sha),
		LatestCommitFull: sha,
		CommitMessage:    firstLine(commit.GetCommit().GetMessage()),
		Author:           commit.GetCommit().GetAuthor().GetName(),
		HTMLURL:          commit.GetHTMLURL(),
	}
	if d := commit.GetCommit().GetAuthor().GetDate(); !d.IsZero() {
		info.CommitDate = d.UTC().Format(time.RFC3339)
	}
	return info
}

// ToRelease converts a release for the releases listing.
func ToRelease(release *github.RepositoryRelease) versions.Release {
	return versions.Release{
		TagName:     release.GetTagName(),
		Name:        release.GetName(),
		PublishedAt: release.GetPublishedAt().Time,
		Body:        release.GetBody(),
		HTMLURL:     release.GetHTMLURL(),
		Prerelease:  release.GetPrerelease(),
	}
}

// ToComparison converts a compare result. GitHub counts relative to head, so
// its ahead_by is how far the local base is behind.
func ToComparison(cmp *github.CommitsComparison) versions.CommitComparison {
	out := versions.CommitComparison{
		AheadBy:      cmp.GetBehindBy(),
		BehindBy:     cmp.GetAheadBy(),
		TotalCommits: cmp.GetTotalCommits(),
	}
	for _, rc := range cmp.Commits {
		c := versions.CommitInfo{
			SHA:     rc.GetSHA(),
			Message: firstLine(rc.GetCommit().GetMessage()),
			Author:  rc.GetCommit().GetAuthor().GetName(),
			URL:     rc.GetHTMLURL(),
		}
		if d := rc.GetCommit().GetAuthor().GetDate(); !d.IsZero() {
			c.Date = d.UTC().Format(time.RFC3339)
		}
		out.Commits = append(out.Commits, c)
	}
	for _, f := range cmp.Files {
		out.Files = append(out.Files, versions.FileChange{
			Filename:  f.GetFilename(),
			Status:    versions.ParseFileStatus(f.GetStatus()),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Changes:   f.GetChanges(),
		})
	}
	out.FilesChanged = len(out.Files)
	return out
}

// ShortSHA returns the seven character abbreviation of a commit hash.
func ShortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}

// parseRepository splits a repository string into owner and repo.
// Returns an error if the format is invalid.
func parseRepository(repository string) (owner, repo string, err error) {
	if repository == "" {
		return "", "", ErrInvalidRepo
	}

	parts := strings.Split(repository, "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: got %s", ErrInvalidRepo, repository)
	}

	owner = strings.TrimSpace(parts[0])
	repo = strings.TrimSpace(parts[1])

	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("%w: owner or repo is empty", ErrInvalidRepo)
	}

	return owner, repo, nil
}
