package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/docker/model-store/pkg/config"
	"github.com/docker/model-store/pkg/distribution/distribution"
	"github.com/docker/model-store/pkg/distribution/metrics"
)

const version = "0.1.0"

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitNotFound = 2
)

// app carries what the subcommands share once flags and config are loaded.
type app struct {
	configFile  string
	storePath   string
	logLevel    string
	showMetrics bool

	client  *distribution.Client
	metrics *metrics.Metrics
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line in args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&app{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	if errdefs.IsNotFound(err) {
		return exitNotFound
	}
	return exitError
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mdltool",
		Short:         "Pull and manage models in a local model store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if !a.showMetrics {
				return nil
			}
			return metrics.WriteText(cmd.ErrOrStderr(), a.metrics.Registry())
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default: ~/.config/model-store/config.yaml)")
	flags.StringVar(&a.storePath, "store", "", "model store root (default: ~/.local/share/models)")
	flags.StringVar(&a.logLevel, "log-level", "warning", "log level (debug, info, warning, error)")
	flags.BoolVar(&a.showMetrics, "metrics", false, "print metrics to stderr when the command finishes")

	rootCmd.AddCommand(
		newPullCmd(a),
		newListCmd(a),
		newInspectCmd(a),
		newVerifyCmd(a),
		newRemoveCmd(a),
		newGCCmd(a),
	)
	return rootCmd
}

// init loads the configuration and creates the client.
func (a *app) init(cmd *cobra.Command) error {
	level, err := logrus.ParseLevel(a.logLevel)
	if err != nil {
		return err
	}
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)

	v, err := config.New()
	if err != nil {
		return err
	}
	if err := v.BindPFlag("store", cmd.Flags().Lookup("store")); err != nil {
		return err
	}
	cfg, err := config.Load(v, a.configFile)
	if err != nil {
		return err
	}
	store, err := filepath.Abs(cfg.Store)
	if err != nil {
		return fmt.Errorf("resolving store path: %w", err)
	}
	cfg.Store = store

	// A user_agent from the config replaces the default.
	opts := append([]distribution.Option{distribution.WithUserAgent("mdltool/" + version)}, cfg.ClientOptions()...)
	opts = append(opts, distribution.WithLogger(logrus.NewEntry(logger)))
	if a.showMetrics {
		a.metrics = metrics.New()
		opts = append(opts, distribution.WithMetrics(a.metrics))
	}
	a.client, err = distribution.NewClient(opts...)
	return err
}
