package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/clean-dependency-project/botctl/internal/orchestrator"
	"github.com/clean-dependency-project/botctl/internal/progress"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

const (
	outputText = "text"
	outputJSON = "json"

	shortCommit = 7
)

// displayName renders a component id for humans, e.g. "napcat-adapter" as
// "Napcat Adapter".
func displayName(c versions.Component) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(c), "-", " "))
}

func short(commit string) string {
	if len(commit) > shortCommit {
		return commit[:shortCommit]
	}
	return commit
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSONOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printer renders command results as text tables or JSON.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) table(header string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, header)
	for _, r := range rows {
		fmt.Fprintln(tw, strings.Join(r, "\t"))
	}
	return tw.Flush()
}

func (p printer) componentsVersion(infos []versions.ComponentVersionInfo) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, infos)
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		behind := "-"
		if info.CommitsBehind != nil {
			behind = strconv.Itoa(*info.CommitsBehind)
		}
		local := info.LocalVersion
		if local == "" {
			local = short(info.LocalCommit)
		}
		latest := info.LatestVersion
		if latest == "" {
			latest = short(info.LatestCommit)
		}
		rows = append(rows, []string{
			displayName(info.Component),
			strconv.FormatBool(info.Installed),
			orDash(local),
			orDash(latest),
			string(info.Status),
			behind,
		})
	}
	return p.table("COMPONENT\tINSTALLED\tLOCAL\tLATEST\tSTATUS\tBEHIND", rows)
}

func (p printer) checkResult(res versions.UpdateCheckResult) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, res)
	}
	latest := res.GitHubInfo.LatestVersion
	if latest == "" {
		latest = short(res.GitHubInfo.LatestCommit)
	}
	local := res.LocalVersion
	if local == "" {
		local = short(res.LocalCommit)
	}
	state := "up to date"
	if res.HasUpdate {
		state = "update available"
	}
	fmt.Fprintf(p.w, "%s: %s (local %s, latest %s)\n", displayName(res.Component), state, orDash(local), orDash(latest))
	if c := res.Comparison; c != nil && c.BehindBy > 0 {
		fmt.Fprintf(p.w, "  %d commit(s) behind, %d file(s) changed\n", c.BehindBy, c.FilesChanged)
		for _, commit := range c.Commits {
			msg, _, _ := strings.Cut(commit.Message, "\n")
			fmt.Fprintf(p.w, "  %s %s\n", short(commit.SHA), msg)
		}
	}
	return nil
}

type checkOutcomeJSON struct {
	Component versions.Component          `json:"component"`
	Result    *versions.UpdateCheckResult `json:"result,omitempty"`
	Error     string                      `json:"error,omitempty"`
}

func (p printer) checkOutcomes(outcomes []orchestrator.CheckOutcome) error {
	if p.format == outputJSON {
		out := make([]checkOutcomeJSON, len(outcomes))
		for i, o := range outcomes {
			out[i] = checkOutcomeJSON{Component: o.Component}
			if o.Err != nil {
				out[i].Error = o.Err.Error()
			} else {
				res := o.Result
				out[i].Result = &res
			}
		}
		return writeJSONOutput(p.w, out)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(p.w, "%s: check failed: %v\n", displayName(o.Component), o.Err)
			continue
		}
		if err := p.checkResult(o.Result); err != nil {
			return err
		}
	}
	return nil
}

func (p printer) updateResult(res versions.UpdateResult) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, res)
	}
	from := res.OldVersion
	if from == "" {
		from = short(res.OldCommit)
	}
	to := res.NewVersion
	if to == "" {
		to = short(res.NewCommit)
	}
	fmt.Fprintf(p.w, "updated %s -> %s\n", orDash(from), orDash(to))
	if res.BackupID != "" {
		fmt.Fprintf(p.w, "backup: %s\n", res.BackupID)
	}
	return nil
}

func (p printer) backups(list []versions.VersionBackup) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, list)
	}
	rows := make([][]string, 0, len(list))
	for _, b := range list {
		rows = append(rows, []string{
			b.ID,
			displayName(b.Component),
			orDash(b.Version),
			orDash(short(b.CommitHash)),
			strconv.FormatInt(b.BackupSize, 10),
			b.CreatedAt.Local().Format(time.DateTime),
			orDash(b.Description),
		})
	}
	return p.table("ID\tCOMPONENT\tVERSION\tCOMMIT\tSIZE\tCREATED\tDESCRIPTION", rows)
}

func (p printer) restoreResult(res versions.RestoreResult) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, res)
	}
	fmt.Fprintf(p.w, "restored %s to %s from backup %s\n", displayName(res.Component), orDash(res.RestoredVersion), res.BackupID)
	return nil
}

func (p printer) history(list []versions.UpdateHistory) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, list)
	}
	rows := make([][]string, 0, len(list))
	for _, h := range list {
		from := h.FromVersion
		if from == "" {
			from = short(h.FromCommit)
		}
		to := h.ToVersion
		if to == "" {
			to = short(h.ToCommit)
		}
		rows = append(rows, []string{
			h.UpdatedAt.Local().Format(time.DateTime),
			displayName(h.Component),
			string(h.Status),
			orDash(from),
			orDash(to),
			orDash(h.ErrorMessage),
		})
	}
	return p.table("WHEN\tCOMPONENT\tSTATUS\tFROM\tTO\tERROR", rows)
}

func (p printer) releases(list []versions.Release) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, list)
	}
	rows := make([][]string, 0, len(list))
	for _, r := range list {
		tag := r.TagName
		if r.Prerelease {
			tag += " (pre)"
		}
		rows = append(rows, []string{tag, r.PublishedAt.Local().Format(time.DateOnly), orDash(r.Name)})
	}
	return p.table("TAG\tPUBLISHED\tNAME", rows)
}

// progressLine renders one notification change while a task is followed.
func (p printer) progressLine(n progress.Notification) {
	if p.format == outputJSON {
		return
	}
	fmt.Fprintf(p.w, "[%3.0f%%] %-11s %s\n", n.Progress, n.Status, n.Message)
}

type taskReport struct {
	Notification progress.Notification `json:"notification"`
	Logs         []progress.LogEntry   `json:"logs"`
}

func (p printer) taskSummary(n progress.Notification, logs []progress.LogEntry) error {
	if p.format == outputJSON {
		return writeJSONOutput(p.w, taskReport{Notification: n, Logs: logs})
	}
	for _, l := range logs {
		fmt.Fprintf(p.w, "%s %-7s %s\n", l.Timestamp.Local().Format(time.TimeOnly), l.Level, l.Message)
	}
	fmt.Fprintf(p.w, "task %s %s\n", n.TaskID, n.Status)
	return nil
}
