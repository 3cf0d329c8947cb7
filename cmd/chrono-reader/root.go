package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/V4T54L/chrono-reader/internal/adapter/metrics"
	"github.com/V4T54L/chrono-reader/internal/adapter/pii"
	"github.com/V4T54L/chrono-reader/internal/adapter/repository"
	"github.com/V4T54L/chrono-reader/internal/domain"
	"github.com/V4T54L/chrono-reader/internal/interrupt"
	"github.com/V4T54L/chrono-reader/internal/pkg/config"
	"github.com/V4T54L/chrono-reader/internal/pkg/logger"
	"github.com/V4T54L/chrono-reader/internal/usecase"
)

const (
	defaultChronicle = "LLM"
	defaultStory     = "conversation"
	defaultStart     = uint64(1736800000000000000)
	defaultEnd       = uint64(1746539189396295796)
)

type options struct {
	configPath string
	chronicle  string
	story      string
	start      uint64
	end        uint64
	format     string
	redact     []string
}

// run parses args, performs one query and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, exit func(int)) int {
	opts := &options{}
	code := 0
	root := newRootCmd(opts, func(cmd *cobra.Command) {
		code = query(cmd, opts, stdout, stderr, exit)
	})
	root.SetArgs(normalizeArgs(args))
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		fmt.Fprint(stderr, root.UsageString())
		return 1
	}
	return code
}

func newRootCmd(opts *options, action func(cmd *cobra.Command)) *cobra.Command {
	root := &cobra.Command{
		Use:           "chrono-reader -c <config> [flags]",
		Short:         "Read a story time window from a ChronoLog archive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			action(cmd)
		},
	}

	f := root.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to the reader configuration file (required)")
	f.StringVarP(&opts.chronicle, "chronicle", "C", defaultChronicle, "chronicle name")
	f.StringVarP(&opts.story, "story", "S", defaultStory, "story name")
	f.Uint64Var(&opts.start, "start", defaultStart, "window start in nanoseconds since the epoch (alias -st)")
	f.Uint64Var(&opts.end, "end", defaultEnd, "window end in nanoseconds since the epoch (alias -et)")
	f.StringVar(&opts.format, "format", usecase.FormatText, "output format: text or json")
	f.StringSliceVar(&opts.redact, "redact", nil, "record fields to mask in the output")
	return root
}

// normalizeArgs maps the two-letter -st and -et flags onto --start and --end.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			return append(out, args[i:]...)
		}
		switch {
		case arg == "-st":
			arg = "--start"
		case arg == "-et":
			arg = "--end"
		case strings.HasPrefix(arg, "-st="):
			arg = "--start=" + strings.TrimPrefix(arg, "-st=")
		case strings.HasPrefix(arg, "-et="):
			arg = "--end=" + strings.TrimPrefix(arg, "-et=")
		}
		out = append(out, arg)
	}
	return out
}

func query(cmd *cobra.Command, opts *options, stdout, stderr io.Writer, exit func(int)) int {
	q, err := usecase.Configure(
		opts.configPath,
		domain.StoryIdentity{Chronicle: opts.chronicle, Story: opts.story},
		domain.TimeWindow{Start: opts.start, End: opts.end},
	)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if errors.Is(err, domain.ErrMissingConfig) {
			fmt.Fprint(stderr, cmd.UsageString())
		}
		return 1
	}

	cfg, err := config.Load(q.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to load config: %v\n", err)
		return 1
	}
	if cmd.Flags().Changed("format") {
		cfg.Query.Format = opts.format
	}
	if cmd.Flags().Changed("redact") {
		cfg.Query.RedactFields = opts.redact
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to set up logging: %v\n", err)
		return 1
	}
	defer closer.Close()
	log = log.With("query_id", q.ID)

	m := metrics.NewQueryMetrics()
	defer func() {
		if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			log.Warn("failed to write metrics textfile", "error", err)
		}
	}()

	coord := interrupt.New(log, interrupt.WithExit(exit), interrupt.WithNotice(stderr))
	stop := coord.Watch(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, err := repository.NewArchiveReader(cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	uc := usecase.NewQueryStoryUseCase(reader, coord, stdout, log,
		usecase.WithFormat(cfg.Query.Format),
		usecase.WithRedactor(pii.NewRedactor(cfg.Query.RedactFields, log)),
		usecase.WithMetrics(m),
	)
	err = uc.Run(cmd.Context(), q)
	if code, interrupted := coord.ExitCode(); interrupted {
		return code
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
