package main

import (
	"encoding/json"
	"errors"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
	"github.com/web3ekko/ekko-settler/pkg/supervisor"
)

type resultLine struct {
	RequestID string `json:"requestId"`
	Pipeline  string `json:"pipeline"`
	Result    string `json:"result"`
}

// open assembles the application. Writing commands need a signing key that holds
// OPERATOR_ROLE on every enabled contract.
func (c *cli) open(cmd *cobra.Command, signer bool) (runtime, error) {
	if signer && c.cfg.PrivateKey == "" {
		return nil, errors.New("SETTLER_PRIVATE_KEY is required for this command")
	}
	rt, err := openRuntime(cmd.Context(), c.cfg, c.log)
	if err != nil || !signer {
		return rt, err
	}
	if err := rt.Preflight(cmd.Context()); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// target resolves --pipeline and the request id argument.
func (c *cli) target(cmd *cobra.Command, args []string, signer bool) (runtime, *supervisor.ManagedPipeline, *big.Int, error) {
	p, err := settlement.ParsePipeline(c.pipeline)
	if err != nil {
		return nil, nil, nil, err
	}
	id, err := settlement.ParseRequestID(args[0])
	if err != nil {
		return nil, nil, nil, &commandError{code: exitError, pipeline: p, err: err}
	}
	rt, err := c.open(cmd, signer)
	if err != nil {
		return nil, nil, nil, &commandError{code: exitError, pipeline: p, requestID: id, err: err}
	}
	m, err := rt.Pipeline(p)
	if err != nil {
		rt.Close()
		return nil, nil, nil, &commandError{code: exitError, pipeline: p, requestID: id, err: err}
	}
	return rt, m, id, nil
}

func (c *cli) printResult(id *big.Int, p settlement.Pipeline, result string) error {
	enc := json.NewEncoder(c.stdout)
	return enc.Encode(resultLine{RequestID: id.String(), Pipeline: p.String(), Result: result})
}

func (c *cli) submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <requestId>",
		Short: "Create the settlement record for a resolved bet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, m, id, err := c.target(cmd, args, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := m.Submit(cmd.Context(), id)
			switch res {
			case settlement.SubmitCreated, settlement.SubmitSkipped:
				return c.printResult(id, m.Pipeline(), res.String())
			case settlement.SubmitRejected:
				return &commandError{code: exitRejected, pipeline: m.Pipeline(), requestID: id, err: err}
			default:
				return &commandError{code: exitError, pipeline: m.Pipeline(), requestID: id, err: err}
			}
		},
	}
}

func (c *cli) executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <requestId>",
		Short: "Attempt the disbursement for a pending settlement record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, m, id, err := c.target(cmd, args, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := m.Execute(cmd.Context(), id)
			switch res {
			case settlement.ExecuteCompleted, settlement.ExecuteAlreadyProcessed:
				return c.printResult(id, m.Pipeline(), res.String())
			case settlement.ExecuteNotYetDue:
				c.log.Info("record is not yet due",
					zap.Stringer("pipeline", m.Pipeline()), zap.String("request_id", id.String()))
				return c.printResult(id, m.Pipeline(), res.String())
			case settlement.ExecuteFailed:
				return &commandError{code: exitFailed, pipeline: m.Pipeline(), requestID: id, err: err}
			case settlement.ExecuteExpired:
				return &commandError{code: exitExpired, pipeline: m.Pipeline(), requestID: id, err: err}
			default:
				return &commandError{code: exitError, pipeline: m.Pipeline(), requestID: id, err: err}
			}
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print aggregate stats and pool balance per pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := c.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			pipelines := rt.Pipelines()
			if cmd.Flags().Changed("pipeline") {
				p, err := settlement.ParsePipeline(c.pipeline)
				if err != nil {
					return err
				}
				m, err := rt.Pipeline(p)
				if err != nil {
					return &commandError{code: exitError, pipeline: p, err: err}
				}
				pipelines = []*supervisor.ManagedPipeline{m}
			}

			out := make([]supervisor.Status, 0, len(pipelines))
			for _, m := range pipelines {
				st, err := m.Status(cmd.Context())
				if err != nil {
					return &commandError{code: exitError, pipeline: m.Pipeline(), err: err}
				}
				out = append(out, st)
			}
			enc := json.NewEncoder(c.stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run every enabled pipeline until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := c.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			c.log.Info("watching", zap.Int("pipelines", len(rt.Pipelines())))
			if err := rt.Supervisor().Run(ctx); err != nil {
				return err
			}
			c.log.Info("shutdown complete")
			return nil
		},
	}
}
