package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/atlastools/plaudgrab/auth"
	"github.com/atlastools/plaudgrab/bus"
	"github.com/atlastools/plaudgrab/config"
	"github.com/atlastools/plaudgrab/constants"
	"github.com/atlastools/plaudgrab/downloads"
	"github.com/atlastools/plaudgrab/job"
	"github.com/atlastools/plaudgrab/log"
	"github.com/atlastools/plaudgrab/meta"
	"github.com/atlastools/plaudgrab/plaud"
	"github.com/atlastools/plaudgrab/scanner"
	"github.com/atlastools/plaudgrab/store"
	"github.com/atlastools/plaudgrab/types"
)

func main() {
	logger := log.NewDefault()

	//nolint:exhaustruct
	app := &cli.Command{
		Name:    "plaudgrab",
		Version: constants.Version,
		Metadata: map[string]any{
			"compiled_at": constants.CompileTime,
		},
		Suggest:                    true,
		Usage:                      "Plaud recording downloader",
		EnableShellCompletion:      true,
		ShellCompletionCommandName: "shell-completion",
		AllowExtFlags:              false,
		Flags: []cli.Flag{
			//nolint:exhaustruct
			&cli.StringFlag{
				Name:     "config",
				Usage:    "Config file path",
				Required: false,
			},
		},
		Commands: []*cli.Command{
			//nolint:exhaustruct
			{
				Name:  "scan",
				Usage: "Scan the recording list and print what was found",
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{Name: "snapshot", Usage: "Page snapshot file path"},
					//nolint:exhaustruct
					&cli.BoolFlag{Name: "exhaustive", Usage: "Force-render and collect the full list"},
					//nolint:exhaustruct
					&cli.StringFlag{Name: "view", Usage: "Dashboard URL or query string scoping the view"},
					//nolint:exhaustruct
					&cli.BoolFlag{Name: "follow", Usage: "Keep scanning as the snapshot file is rewritten, until interrupted"},
				},
				Action: scanRun,
			},
			//nolint:exhaustruct
			{
				Name:  "download",
				Usage: "Scan the recording list and download everything found",
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{Name: "snapshot", Usage: "Page snapshot file path"},
					//nolint:exhaustruct
					&cli.BoolFlag{Name: "exhaustive", Usage: "Force-render and collect the full list"},
					//nolint:exhaustruct
					&cli.StringFlag{Name: "view", Usage: "Dashboard URL or query string scoping the view"},
					//nolint:exhaustruct
					&cli.StringFlag{Name: "subdir", Usage: "Subdirectory under the downloads directory"},
				},
				Action: downloadRun,
			},
			//nolint:exhaustruct
			{
				Name:      "resolve",
				Usage:     "Resolve the temporary download URL of a recording",
				ArgsUsage: "<file-id>",
				Action:    resolveRun,
			},
			//nolint:exhaustruct
			{
				Name:      "move",
				Usage:     "Move recordings to a folder",
				ArgsUsage: "<file-id>...",
				Flags: []cli.Flag{
					//nolint:exhaustruct
					&cli.StringFlag{Name: "tag", Usage: "Target folder tag id", Required: true},
				},
				Action: moveRun,
			},
			//nolint:exhaustruct
			{
				Name:      "trash",
				Usage:     "Move recordings to the trash",
				ArgsUsage: "<file-id>...",
				Action:    trashRun,
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); nil != err {
		if errors.Is(err, context.Canceled) {
			logger.Trace().Msg("Application was canceled")
			os.Exit(1)
		}

		var exitCode exitCodeError
		if errors.As(err, &exitCode) {
			os.Exit(int(exitCode))
		}

		logger.Error().Err(err).Msg("Application exited with error")
		os.Exit(10)
	}
}

type exitCodeError int

func (e exitCodeError) Error() string {
	return "error with exit code: " + strconv.Itoa(int(e))
}

// env is everything a command needs wired together: config, state store,
// auth bridge, and the API client restored to its last known origin.
type env struct {
	logger zerolog.Logger
	conf   *config.Config
	store  *store.Store
	tokens *auth.Bridge
	client *plaud.Client
}

func (e *env) close() {
	if err := e.store.Close(); nil != err {
		e.logger.Error().Err(err).Msg("Failed to close state store")
	}
}

func setup(cmd *cli.Command) (*env, error) {
	logger := log.NewDefault()

	if err := godotenv.Load(); nil != err {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env file: %v", err)
		}
		logger.Info().Msg(".env file was not found")
	} else {
		logger.Debug().Msg(".env file was loaded")
	}

	conf, err := config.Load(cmd.String("config"))
	if nil != err {
		return nil, fmt.Errorf("load config: %v", err)
	}

	logger = log.FromConfig(conf.Log)

	logger.Debug().Dict("config", conf.ToDict()).Msg("Config loaded")

	st, err := store.Open(conf.Plaud.StatePath)
	if nil != err {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	preferredBase, err := st.PreferredAPIBase()
	if nil != err && !errors.Is(err, store.ErrNotFound) {
		logger.Warn().Err(err).Msg("Failed to read preferred API origin")
	}

	client := plaud.NewClient(logger, plaud.Options{
		DefaultBase:   conf.Plaud.APIBase,
		PreferredBase: preferredBase,
		OnBaseChange: func(base string) {
			if err := st.SetPreferredAPIBase(base); nil != err {
				logger.Warn().Err(err).Str("base", base).Msg("Failed to persist preferred API origin")
			}
		},
		HTTPClient: nil,
	})

	seedToken := conf.Probe.Token
	if seedToken == "" {
		if stored, err := st.Token(); nil == err {
			seedToken = stored
		}
	}

	probe := auth.FileProbe{Path: conf.Probe.TokenFile, Env: "PLAUD_TOKEN"}
	tokens := auth.NewBridge(
		logger,
		probe,
		auth.WithProbeTimeout(time.Duration(conf.Probe.TimeoutMS)*time.Millisecond),
		auth.WithSeedToken(seedToken),
		auth.WithTokenSink(func(token string) {
			if err := st.SetToken(token); nil != err {
				logger.Warn().Err(err).Msg("Failed to persist auth token")
			}
		}),
	)

	return &env{
		logger: logger,
		conf:   conf,
		store:  st,
		tokens: tokens,
		client: client,
	}, nil
}

func snapshotPath(e *env, cmd *cli.Command) (string, error) {
	path := cmd.String("snapshot")
	if path == "" {
		path = e.conf.Scan.SnapshotPath
	}
	if path == "" {
		return "", errors.New("a page snapshot is required: pass --snapshot or set scan.snapshot_path")
	}

	return path, nil
}

// buildScanner wires the snapshot-backed viewport, preferring the captured
// component state as the backing array and falling back to the bulk
// listing API.
func buildScanner(e *env, cmd *cli.Command, viewQuery url.Values) (*scanner.Scanner, error) {
	path, err := snapshotPath(e, cmd)
	if nil != err {
		return nil, err
	}

	snap, err := scanner.LoadSnapshot(path)
	if nil != err {
		return nil, fmt.Errorf("load page snapshot: %w", err)
	}

	inventory := snap.Inventory()
	if inventory == nil {
		inventory = meta.NewAPIInventory(e.logger, e.client, e.tokens, viewQuery)
	}

	return scanner.New(
		e.logger,
		snap.Viewport(),
		scanner.WithInventory(inventory),
		scanner.WithSettleDelay(time.Duration(e.conf.Scan.SettleMS)*time.Millisecond),
	), nil
}

func scanRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if nil != err {
		return err
	}
	defer e.close()

	if cmd.Bool("follow") {
		return followRun(ctx, e, cmd)
	}

	viewQuery := bus.ParseViewQuery(cmd.String("view"))

	sc, err := buildScanner(e, cmd, viewQuery)
	if nil != err {
		return err
	}

	router := bus.NewRouter(e.logger, sc, nil, e.client, e.tokens)
	res, err := router.Dispatch(ctx, bus.ScanRequest{Exhaustive: cmd.Bool("exhaustive")})
	if nil != err {
		return err
	}
	items := res.(bus.ScanResponse).Items

	renderItems(items)

	e.logger.Info().Int("count", len(items)).Msg("Scan finished")

	return nil
}

// followRun keeps ingesting the snapshot file as the collector rewrites it,
// printing the accumulated list once interrupted.
func followRun(ctx context.Context, e *env, cmd *cli.Command) error {
	path, err := snapshotPath(e, cmd)
	if nil != err {
		return err
	}

	vp, err := scanner.NewFileViewport(e.logger, path, time.Duration(e.conf.Scan.SettleMS)*time.Millisecond)
	if nil != err {
		return fmt.Errorf("load page snapshot: %w", err)
	}

	sc := scanner.New(e.logger, vp, scanner.WithSettleDelay(time.Duration(e.conf.Scan.SettleMS)*time.Millisecond))
	if _, err := sc.Scan(ctx, false); nil != err {
		return err
	}

	e.logger.Info().Str("snapshot", path).Msg("Following snapshot file, press Ctrl-C to stop")

	go vp.Poll(ctx)
	sc.Watch(ctx)

	items, err := sc.Scan(context.WithoutCancel(ctx), false)
	if nil != err {
		return err
	}

	renderItems(items)

	e.logger.Info().Int("count", len(items)).Msg("Scan finished")

	return nil
}

func renderItems(items []types.RecordingDescriptor) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"#", "File ID", "Name", "Context", "Ext"})
	for i, item := range items {
		t.AppendRow(table.Row{i + 1, item.FileID, item.Filename, item.Context, item.Extension})
	}
	t.Render()
}

func downloadRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if nil != err {
		return err
	}
	defer e.close()

	viewQuery := bus.ParseViewQuery(cmd.String("view"))

	sc, err := buildScanner(e, cmd, viewQuery)
	if nil != err {
		return err
	}

	manager := downloads.NewDirManager(e.logger, e.conf.Downloads.Dir)
	attacher := meta.NewAttacher(e.logger, e.client, e.tokens)

	subdir := cmd.String("subdir")
	if subdir == "" {
		subdir = e.conf.Downloads.Subdir
	}

	settings := types.JobSettings{
		DownloadSubdir:     subdir,
		PostDownloadAction: types.PostDownloadAction(e.conf.Downloads.PostAction),
		MoveTargetTag:      e.conf.Downloads.MoveTargetTag,
		IncludeMetadata:    e.conf.Downloads.IncludeMetadata,
		ViewQuery:          viewQuery,
	}

	var router *bus.Router
	controller := job.NewController(
		e.logger,
		e.client,
		e.tokens,
		attacher,
		manager,
		job.ReporterFunc(func(status job.Status) { router.Reporter().Report(status) }),
	)
	router = bus.NewRouter(e.logger, sc, controller, e.client, e.tokens)

	res, err := router.Dispatch(ctx, bus.ScanRequest{Exhaustive: cmd.Bool("exhaustive")})
	if nil != err {
		return err
	}
	items := res.(bus.ScanResponse).Items
	if len(items) == 0 {
		e.logger.Info().Msg("No recordings found")
		return nil
	}

	ack, err := router.Dispatch(ctx, bus.StartJobRequest{Items: items, Settings: settings})
	if nil != err {
		return err
	}
	if a := ack.(bus.Ack); !a.OK {
		return errors.New(a.Message)
	}

	for {
		select {
		case status := <-router.Status():
			e.logger.
				Info().
				Str("stage", string(status.Stage)).
				Int("completed", status.Completed).
				Int("total", status.Total).
				Msg(status.Message)

			if status.Stage.Terminal() {
				if status.Stage == job.StageError {
					return exitCodeError(2)
				}

				return nil
			}
		case <-ctx.Done():
			e.logger.Warn().Msg("Stopping download job")
			if _, err := router.Dispatch(context.WithoutCancel(ctx), bus.StopJobRequest{}); nil != err {
				e.logger.Error().Err(err).Msg("Failed to stop download job")
			}
			// Keep draining status until the cancelled event arrives.
			ctx = context.WithoutCancel(ctx)
		}
	}
}

func resolveRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if nil != err {
		return err
	}
	defer e.close()

	fileID := cmd.Args().First()
	router := bus.NewRouter(e.logger, nil, nil, e.client, e.tokens)

	res, err := router.Dispatch(ctx, bus.ResolveURLRequest{FileID: fileID})
	if nil != err {
		return err
	}

	fmt.Println(res.(bus.ResolveURLResponse).URL)

	return nil
}

func moveRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if nil != err {
		return err
	}
	defer e.close()

	router := bus.NewRouter(e.logger, nil, nil, e.client, e.tokens)
	res, err := router.Dispatch(ctx, bus.PostActionRequest{
		Action:  bus.PostActionMove,
		FileIDs: cmd.Args().Slice(),
		TagID:   cmd.String("tag"),
	})
	if nil != err {
		return err
	}
	if ack := res.(bus.Ack); !ack.OK {
		return errors.New(ack.Message)
	}

	e.logger.Info().Int("count", cmd.Args().Len()).Msg("Recordings moved")

	return nil
}

func trashRun(ctx context.Context, cmd *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(cmd)
	if nil != err {
		return err
	}
	defer e.close()

	router := bus.NewRouter(e.logger, nil, nil, e.client, e.tokens)
	res, err := router.Dispatch(ctx, bus.PostActionRequest{
		Action:  bus.PostActionTrash,
		FileIDs: cmd.Args().Slice(),
		TagID:   "",
	})
	if nil != err {
		return err
	}
	if ack := res.(bus.Ack); !ack.OK {
		return errors.New(ack.Message)
	}

	e.logger.Info().Int("count", cmd.Args().Len()).Msg("Recordings trashed")

	return nil
}
