package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/V4T54L/chrono-reader/internal/adapter/metrics"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository/archive"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/pkg/config"
	"github.com/V4T54L/chrono-reader/internal/pkg/logger"
	"github.com/V4T54L/chrono-reader/internal/usecase"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	var (
		configPath string
		identity   domain.StoryIdentity
		window     domain.TimeWindow
	)
	root := &cobra.Command{
		Use:          "archive-sync -c <config> [flags]",
		Short:        "Copy a story window from the file archive into the SQL archive store",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := usecase.Configure(configPath, identity, window)
			if err != nil {
				return err
			}
			n, err := syncStory(cmd.Context(), q)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%d chunk(s) synced.\n", n)
			return nil
		},
	}
	f := root.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to the configuration file (required)")
	f.StringVarP(&identity.Chronicle, "chronicle", "C", "LLM", "chronicle name")
	f.StringVarP(&identity.Story, "story", "S", "conversation", "story name")
	f.Uint64Var(&window.Start, "start", 0, "window start in nanoseconds since the epoch")
	f.Uint64Var(&window.End, "end", 1<<63-1, "window end in nanoseconds since the epoch")
	return root
}

func syncStory(ctx context.Context, q domain.Query) (int, error) {
	cfg, err := config.Load(q.ConfigPath)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Archive.Backend == "file" {
		return 0, fmt.Errorf("archive.backend must be postgres or sqlite to sync into")
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	log = log.With("query_id", q.ID)
	log.Info("starting archive sync", "story", q.Identity.String(), "source", cfg.Archive.StoryFilesDir)

	m := metrics.NewQueryMetrics()
	defer func() {
		if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			log.Warn("failed to write metrics textfile", "error", err)
		}
	}()

	source := archive.NewReader(cfg.Archive.StoryFilesDir, cfg.Archive.MonitorInterval, log)
	if err := source.Initialize(ctx); err != nil {
		return 0, err
	}
	defer source.Shutdown()

	sink, err := repository.NewSQLStore(cfg, log)
	if err != nil {
		return 0, err
	}
	if err := sink.Initialize(ctx); err != nil {
		return 0, err
	}
	defer sink.Shutdown()

	uc := usecase.NewSyncStoryUseCase(source, sink, log, m, 0, 0)
	n, err := uc.Sync(ctx, q)
	if err != nil {
		return n, err
	}
	log.Info("archive sync finished", "chunks", n)
	return n, nil
}
