// Package cli provides the botctl command-line interface. It loads the YAML
// configuration, wires the gateway client, query cache, task channel and
// progress aggregator, and exposes the update workflow as commands.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/clean-dependency-project/botctl/internal/api"
	"github.com/clean-dependency-project/botctl/internal/config"
	"github.com/clean-dependency-project/botctl/internal/gateway"
	"github.com/clean-dependency-project/botctl/internal/orchestrator"
	"github.com/clean-dependency-project/botctl/internal/progress"
	"github.com/clean-dependency-project/botctl/internal/query"
	"github.com/clean-dependency-project/botctl/internal/taskevents"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

// Version is stamped at build time.
var Version = "dev"

// env is the composition root shared by all commands of one invocation.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	out    printer
	svc    VersionService
	events TaskChannel
	agg    *progress.Aggregator
	close  func()
}

type envBuilder func(c *cli.Context) (*env, error)

// NewApp creates and configures the main CLI application.
func NewApp() *cli.App {
	return newApp(buildEnv, os.Stdout)
}

func newApp(build envBuilder, stdout io.Writer) *cli.App {
	var e *env
	withEnv := func(action func(*cli.Context, *env) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			if e == nil {
				built, err := build(c)
				if err != nil {
					return err
				}
				e = built
			}
			return action(c, e)
		}
	}

	instanceFlag := &cli.StringFlag{
		Name:     "instance",
		Aliases:  []string{"i"},
		Usage:    "instance id",
		Required: true,
		EnvVars:  []string{"BOTCTL_INSTANCE"},
	}
	componentFlag := func(required bool) *cli.StringFlag {
		return &cli.StringFlag{
			Name:     "component",
			Aliases:  []string{"C"},
			Usage:    "component (main, napcat, napcat-adapter)",
			Required: required,
		}
	}
	methodFlag := &cli.StringFlag{
		Name:    "method",
		Aliases: []string{"m"},
		Value:   string(versions.UpdateMethodGit),
		Usage:   "update method (git, release)",
	}

	return &cli.App{
		Name:      "botctl",
		Usage:     "Check, update, back up and restore bot components",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "botctl.yaml",
				Usage:   "path to configuration file",
				EnvVars: []string{"BOTCTL_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error); overrides logging.level",
			},
			&cli.StringFlag{
				Name:  "output",
				Value: outputText,
				Usage: "output format (text, json)",
			},
		},
		Before: func(c *cli.Context) error {
			switch c.String("output") {
			case outputText, outputJSON:
				return nil
			default:
				return fmt.Errorf("invalid output format %q: must be text or json", c.String("output"))
			}
		},
		After: func(*cli.Context) error {
			if e != nil && e.close != nil {
				e.close()
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a default configuration file to --config",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: initCommand,
			},
			{
				Name:   "versions",
				Usage:  "Show the version of every component of an instance",
				Flags:  []cli.Flag{instanceFlag, &cli.BoolFlag{Name: "refresh", Usage: "bypass the cache"}},
				Action: withEnv(versionsCommand),
			},
			{
				Name:   "check",
				Usage:  "Check components for updates",
				Flags:  []cli.Flag{instanceFlag, componentFlag(false), methodFlag},
				Action: withEnv(checkCommand),
			},
			{
				Name:  "update",
				Usage: "Update a component",
				Flags: []cli.Flag{
					instanceFlag,
					componentFlag(true),
					methodFlag,
					&cli.BoolFlag{Name: "no-backup", Usage: "skip the backup taken before updating"},
					&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "follow task progress"},
					&cli.StringFlag{Name: "task-id", Usage: "task id to report progress under (generated with --watch)"},
				},
				Action: withEnv(updateCommand),
			},
			{
				Name:   "backups",
				Usage:  "List backups of an instance",
				Flags:  []cli.Flag{instanceFlag, componentFlag(false)},
				Action: withEnv(backupsCommand),
			},
			{
				Name:      "restore",
				Usage:     "Restore a backup",
				ArgsUsage: "<backup-id>",
				Flags:     []cli.Flag{instanceFlag},
				Action:    withEnv(restoreCommand),
			},
			{
				Name:  "history",
				Usage: "Show the update history of an instance",
				Flags: []cli.Flag{
					instanceFlag,
					componentFlag(false),
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: orchestrator.DefaultHistoryLimit, Usage: "maximum entries"},
				},
				Action: withEnv(historyCommand),
			},
			{
				Name:  "releases",
				Usage: "List remote releases of a component",
				Flags: []cli.Flag{
					componentFlag(true),
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: orchestrator.DefaultReleaseLimit, Usage: "maximum releases"},
				},
				Action: withEnv(releasesCommand),
			},
			{
				Name:      "watch",
				Usage:     "Follow the progress of a running task",
				ArgsUsage: "<task-id>",
				Action:    withEnv(watchCommand),
			},
			{
				Name:  "serve",
				Usage: "Run the reference gateway for the configured instances",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Usage: "listen address; overrides gateway.listen_addr"},
				},
				Action: withEnv(serveCommand),
			},
		},
	}
}

// buildEnv loads the configuration and wires the client side.
func buildEnv(c *cli.Context) (*env, error) {
	cfg, err := config.LoadOrDefault(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	format := c.String("output")
	logger, closeLog, err := NewLoggersWithOutputFormat(cfg.Logging, c.String("log-level"), format)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	client, err := api.NewClient(api.Config{
		BaseURL:   cfg.API.BaseURL,
		Token:     cfg.API.Token,
		Timeout:   cfg.API.GetTimeout(),
		UserAgent: "botctl/" + Version,
	})
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	policy := query.DefaultPolicy()
	for kind, def := range policy {
		policy[kind] = cfg.Cache.GetStaleness(string(kind), def)
	}
	cache := query.New(policy, query.WithLogger(logger))

	// Instances served from this machine gate mutations locally as well.
	var instances orchestrator.InstanceRegistry
	if len(cfg.Gateway.Instances) > 0 {
		reg, err := gateway.NewRegistry(cfg.Gateway.Instances)
		if err != nil {
			_ = closeLog()
			return nil, err
		}
		instances = reg
	}

	events, err := taskevents.NewRegistry(taskevents.Config{
		BaseURL:           cfg.ResolveWSBaseURL(),
		Dialer:            taskevents.WSDialer{Token: cfg.API.Token},
		HeartbeatInterval: cfg.Events.GetHeartbeatInterval(),
		ConnectTimeout:    cfg.Events.GetConnectTimeout(),
		Backoff: taskevents.BackoffPolicy{
			Base:        cfg.Events.GetBackoffBase(),
			Max:         cfg.Events.GetBackoffMax(),
			MaxAttempts: cfg.Events.GetMaxReconnectAttempts(),
		},
		Logger: logger,
	})
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		out:    printer{w: c.App.Writer, format: format},
		svc:    orchestrator.New(client, cache, instances, logger),
		events: events,
		agg: progress.New(
			progress.WithMaxLogEntries(cfg.Progress.GetMaxLogEntries()),
			progress.WithLogger(logger),
		),
		close: func() {
			st := cache.Stats()
			logger.Debug("query cache", "hits", st.Hits, "misses", st.Misses, "shared", st.Shared, "invalidations", st.Invalidations)
			if err := events.Close(); err != nil {
				logger.Debug("task channel shutdown", "error", err)
			}
			_ = closeLog()
		},
	}, nil
}

func parseComponent(c *cli.Context, required bool) (versions.Component, error) {
	raw := strings.TrimSpace(c.String("component"))
	if raw == "" && !required {
		return "", nil
	}
	return versions.ParseComponent(raw)
}

func versionsCommand(c *cli.Context, e *env) error {
	infos, err := e.svc.GetComponentsVersion(c.Context, c.String("instance"), c.Bool("refresh"))
	var partial *orchestrator.PartialError
	if err != nil {
		if !errors.As(err, &partial) {
			return err
		}
		e.logger.Warn("showing cached versions", "instance_id", c.String("instance"), "error", partial.Err)
	}
	return e.out.componentsVersion(infos)
}

func checkCommand(c *cli.Context, e *env) error {
	comp, err := parseComponent(c, false)
	if err != nil {
		return err
	}
	method, err := versions.ParseUpdateMethod(c.String("method"))
	if err != nil {
		return err
	}
	instance := c.String("instance")
	if comp != "" {
		res, err := e.svc.CheckComponentUpdate(c.Context, instance, comp, method)
		if err != nil {
			return err
		}
		return e.out.checkResult(res)
	}
	outcomes, err := e.svc.CheckAll(c.Context, instance, method)
	if err != nil {
		return err
	}
	return e.out.checkOutcomes(outcomes)
}

func updateCommand(c *cli.Context, e *env) error {
	comp, err := parseComponent(c, true)
	if err != nil {
		return err
	}
	method, err := versions.ParseUpdateMethod(c.String("method"))
	if err != nil {
		return err
	}
	instance := c.String("instance")
	opts := orchestrator.DefaultUpdateOptions()
	opts.CreateBackup = !c.Bool("no-backup")
	opts.Method = method
	opts.TaskID = strings.TrimSpace(c.String("task-id"))
	if opts.TaskID != "" && !taskevents.ValidTaskID(opts.TaskID) {
		return fmt.Errorf("%w: %q", versions.ErrInvalidTaskID, opts.TaskID)
	}
	if !c.Bool("watch") {
		res, err := e.svc.UpdateComponent(c.Context, instance, comp, opts)
		if err != nil {
			return withRestoreHint(err, instance, res.BackupID)
		}
		return e.out.updateResult(res)
	}

	if opts.TaskID == "" {
		opts.TaskID = uuid.NewString()
	}
	var res versions.UpdateResult
	meta := progress.Meta{InstanceName: instance, Component: comp, Message: "updating " + displayName(comp)}
	n, err := e.follow(c, opts.TaskID, meta, func() error {
		var err error
		res, err = e.svc.UpdateComponent(c.Context, instance, comp, opts)
		return err
	})
	if err != nil {
		return withRestoreHint(err, instance, res.BackupID)
	}
	if n.Status == versions.TaskFailed {
		return withRestoreHint(fmt.Errorf("%w: %s", versions.ErrUpdateExecution, n.Message), instance, res.BackupID)
	}
	return e.out.updateResult(res)
}

// withRestoreHint points at the backup a failed update left behind.
func withRestoreHint(err error, instance, backupID string) error {
	if backupID == "" {
		return err
	}
	return fmt.Errorf("%w (backup %s was kept; restore it with: botctl restore -i %s %s)", err, backupID, instance, backupID)
}

func backupsCommand(c *cli.Context, e *env) error {
	comp, err := parseComponent(c, false)
	if err != nil {
		return err
	}
	list, err := e.svc.GetBackups(c.Context, c.String("instance"), comp)
	if err != nil {
		return err
	}
	return e.out.backups(list)
}

func restoreCommand(c *cli.Context, e *env) error {
	backupID := strings.TrimSpace(c.Args().First())
	if backupID == "" {
		return fmt.Errorf("backup id is required")
	}
	res, err := e.svc.RestoreBackup(c.Context, c.String("instance"), backupID)
	if err != nil {
		return err
	}
	return e.out.restoreResult(res)
}

func historyCommand(c *cli.Context, e *env) error {
	comp, err := parseComponent(c, false)
	if err != nil {
		return err
	}
	list, err := e.svc.GetUpdateHistory(c.Context, c.String("instance"), comp, c.Int("limit"))
	if err != nil {
		return err
	}
	return e.out.history(list)
}

func releasesCommand(c *cli.Context, e *env) error {
	comp, err := parseComponent(c, true)
	if err != nil {
		return err
	}
	list, err := e.svc.GetComponentReleases(c.Context, comp, c.Int("limit"))
	if err != nil {
		return err
	}
	return e.out.releases(list)
}

func watchCommand(c *cli.Context, e *env) error {
	taskID := strings.TrimSpace(c.Args().First())
	if !taskevents.ValidTaskID(taskID) {
		return fmt.Errorf("%w: %q", versions.ErrInvalidTaskID, taskID)
	}
	n, err := e.follow(c, taskID, progress.Meta{Message: "watching " + taskID}, nil)
	if err != nil {
		return err
	}
	if n.Status == versions.TaskFailed {
		return fmt.Errorf("task %s failed: %s", taskID, n.Message)
	}
	return nil
}

// initCommand writes the default configuration. It runs without an env so it
// works before any configuration exists.
func initCommand(c *cli.Context) error {
	path := c.String("config")
	if _, err := os.Stat(path); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
	return err
}
