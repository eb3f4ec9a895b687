package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/spark/pkg/config"
	"github.com/cuemby/spark/pkg/engine"
	"github.com/cuemby/spark/pkg/log"
	"github.com/cuemby/spark/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitOptionError = 1
	exitFailure     = 2
)

// fatalError marks failures of the engine itself, as opposed to bad options
type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)

	if err := cmd.Execute(); err != nil {
		var fatal *fatalError
		if errors.As(err, &fatal) {
			fmt.Fprintf(os.Stderr, "Failure: %v\n", fatal.err)
			return exitFailure
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitOptionError
	}
	return 0
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spark",
		Short: "Spark - Laniakea job worker agent",
		Long: `Spark runs on a build machine and asks the Lighthouse job scheduler
for work whenever one of its job slots is free. Jobs are handed to an
external runner; Spark only tracks which slots are busy.`,
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			jsonOutput, _ := cmd.Flags().GetBool("log-json")
			initLogging(verbose, jsonOutput)
		},
		RunE: runEngine,
	}

	cmd.SetVersionTemplate(fmt.Sprintf(
		"Spark version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Show extra debugging information")
	cmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "Configuration file")

	cmd.AddCommand(newKeygenCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initLogging(verbose, jsonOutput bool) {
	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: jsonOutput})
}

func runEngine(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	metrics.SetVersion(Version)

	e, err := engine.Setup(engine.Options{ConfigPath: configPath})
	if err != nil {
		return &fatalError{err: err}
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("spark")
	go func() {
		<-ctx.Done()
		// A second signal kills the process the default way
		stop()
		if e.Pool().Running() > 0 {
			logger.Info().Msg("Shutting down after running jobs finish, interrupt again to abort them")
		}
	}()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-hupCh:
				logger.Info().Msg("Received SIGHUP, reconnecting to Lighthouse")
				e.RequestReconnect()
			case <-ctx.Done():
				return
			}
		}
	}()

	var ledger metrics.LedgerStats
	var jobs metrics.JobLister
	if l := e.Ledger(); l != nil {
		ledger = l
		jobs = l
	}

	collector := metrics.NewCollector(e.Pool(), ledger, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Run(gctx)
	})

	if addr := e.Config().StatusAddr; addr != "" {
		srv := metrics.NewServer(addr, jobs, e)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return &fatalError{err: err}
	}
	return nil
}
