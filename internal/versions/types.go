package versions

import (
	"sort"
	"time"
)

// ComponentVersionInfo is the per (instance, component) version snapshot.
type ComponentVersionInfo struct {
	Component        Component     `json:"component"`
	Installed        bool          `json:"installed"`
	LocalVersion     string        `json:"local_version,omitempty"`
	LocalCommit      string        `json:"local_commit,omitempty"`
	LocalCommitFull  string        `json:"local_commit_full,omitempty"`
	Status           VersionStatus `json:"status"`
	HasUpdate        bool          `json:"has_update"`
	CommitsBehind    *int          `json:"commits_behind,omitempty"`
	LatestVersion    string        `json:"latest_version,omitempty"`
	LatestCommit     string        `json:"latest_commit,omitempty"`
	LatestCommitFull string        `json:"latest_commit_full,omitempty"`
	GitHubInfo       *GitHubInfo   `json:"github_info,omitempty"`
}

// ReleaseAsset is a downloadable file attached to a release.
type ReleaseAsset struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// GitHubInfo describes the remote head a component is compared against.
type GitHubInfo struct {
	LatestVersion    string         `json:"latest_version,omitempty"`
	LatestCommit     string         `json:"latest_commit,omitempty"`
	LatestCommitFull string         `json:"latest_commit_full,omitempty"`
	CommitMessage    string         `json:"commit_message,omitempty"`
	CommitDate       string         `json:"commit_date,omitempty"`
	Changelog        string         `json:"changelog,omitempty"`
	ReleaseURL       string         `json:"release_url,omitempty"`
	PublishedAt      string         `json:"published_at,omitempty"`
	Author           string         `json:"author,omitempty"`
	HTMLURL          string         `json:"html_url,omitempty"`
	Assets           []ReleaseAsset `json:"assets,omitempty"`
}

// CommitInfo is one commit in a comparison.
type CommitInfo struct {
	SHA     string `json:"sha"`
	Message string `json:"message"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	URL     string `json:"url"`
}

// FileChange is one file touched between local and remote.
type FileChange struct {
	Filename  string     `json:"filename"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Changes   int        `json:"changes"`
}

// Valid reports whether the counters are non-negative and consistent.
func (f FileChange) Valid() bool {
	return f.Additions >= 0 && f.Deletions >= 0 && f.Changes == f.Additions+f.Deletions
}

// CommitComparison is the diff of a local commit against the remote head.
type CommitComparison struct {
	AheadBy      int          `json:"ahead_by"`
	BehindBy     int          `json:"behind_by"`
	TotalCommits int          `json:"total_commits"`
	Commits      []CommitInfo `json:"commits"`
	FilesChanged int          `json:"files_changed"`
	Files        []FileChange `json:"files"`
}

// UpdateCheckResult is the answer to a live update check.
type UpdateCheckResult struct {
	Component    Component         `json:"component"`
	LocalVersion string            `json:"local_version,omitempty"`
	LocalCommit  string            `json:"local_commit,omitempty"`
	GitHubInfo   GitHubInfo        `json:"github_info"`
	HasUpdate    bool              `json:"has_update"`
	Comparison   *CommitComparison `json:"comparison,omitempty"`
}

// Normalize enforces the comparison invariants for the given update method.
// Release checks never carry a comparison, and a comparison that is behind
// the remote always means an update is available.
func (r *UpdateCheckResult) Normalize(method UpdateMethod) {
	if method == UpdateMethodRelease {
		r.Comparison = nil
		return
	}
	if r.Comparison != nil && r.Comparison.BehindBy > 0 {
		r.HasUpdate = true
	}
}

// VersionBackup is an immutable snapshot taken before an update.
type VersionBackup struct {
	ID          string    `json:"id"`
	Component   Component `json:"component"`
	Version     string    `json:"version,omitempty"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	BackupSize  int64     `json:"backup_size"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// UpdateHistory is one append-only ledger entry.
type UpdateHistory struct {
	ID           int64         `json:"id"`
	Component    Component     `json:"component"`
	FromVersion  string        `json:"from_version,omitempty"`
	ToVersion    string        `json:"to_version,omitempty"`
	FromCommit   string        `json:"from_commit,omitempty"`
	ToCommit     string        `json:"to_commit,omitempty"`
	Status       HistoryStatus `json:"status"`
	BackupID     string        `json:"backup_id,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Release is a named remote release.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_at"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Prerelease  bool      `json:"prerelease"`
}

// UpdateResult is returned by a successful update.
type UpdateResult struct {
	BackupID   string `json:"backup_id,omitempty"`
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version,omitempty"`
	OldCommit  string `json:"old_commit,omitempty"`
	NewCommit  string `json:"new_commit,omitempty"`
}

// RestoreResult is returned by a successful restore.
type RestoreResult struct {
	BackupID        string    `json:"backup_id"`
	Component       Component `json:"component"`
	RestoredVersion string    `json:"restored_version,omitempty"`
}

// SortBackupsNewestFirst orders backups by creation time, most recent first.
func SortBackupsNewestFirst(b []VersionBackup) {
	sort.SliceStable(b, func(i, j int) bool {
		return b[i].CreatedAt.After(b[j].CreatedAt)
	})
}

// SortHistoryNewestFirst orders history entries by time then id, most recent first.
func SortHistoryNewestFirst(h []UpdateHistory) {
	sort.SliceStable(h, func(i, j int) bool {
		if !h[i].UpdatedAt.Equal(h[j].UpdatedAt) {
			return h[i].UpdatedAt.After(h[j].UpdatedAt)
		}
		return h[i].ID > h[j].ID
	})
}
