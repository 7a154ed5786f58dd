package main

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/internal/app"
	"github.com/web3ekko/ekko-settler/internal/config"
	"github.com/web3ekko/ekko-settler/internal/logger"
	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/supervisor"
)

// runtime is what the commands need from the assembled application.
type runtime interface {
	Pipeline(p settlement.Pipeline) (*supervisor.ManagedPipeline, error)
	Pipelines() []*supervisor.ManagedPipeline
	Supervisor() *supervisor.Supervisor
	Preflight(ctx context.Context) error
	Close() error
}

// openRuntime is replaced in tests with an in-memory ledger.
var openRuntime = func(ctx context.Context, cfg *config.Config, log *zap.Logger) (runtime, error) {
	return app.New(ctx, cfg, log)
}

type cli struct {
	configPath string
	pipeline   string

	cfg    *config.Config
	log    *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if c.log != nil {
		_ = c.log.Sync()
	}
	if err != nil {
		reportError(stderr, err)
	}
	return exitCode(err)
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settler",
		Short:         "Settlement pipelines for dice game payouts and mining rewards",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			c.cfg, c.log = cfg, log
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "config.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&c.pipeline, "pipeline", "payout", "pipeline to act on: payout or mining")

	root.AddCommand(
		c.submitCmd(),
		c.executeCmd(),
		c.statusCmd(),
		c.watchCmd(),
	)
	return root
}
