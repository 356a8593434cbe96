package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
	"github.com/next-trace/scg-message-bus/internal/bootstrap"
	"github.com/next-trace/scg-message-bus/internal/config"
)

type cli struct {
	configPath string
	envFiles   []string

	app *bootstrap.App
}

// execute runs the CLI with args and releases the service afterwards, whether or not
// the command succeeded.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c := &cli{}

	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)

	return errors.Join(err, c.close())
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "allocation",
		Short:        "Allocate order lines to stock batches through the message bus",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.open(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "dotenv files to load")

	root.AddCommand(
		c.addBatchCommand(),
		c.allocateCommand(),
		c.changeQuantityCommand(),
		c.allocationsCommand(),
	)

	return root
}

func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := config.Load(c.configPath, c.envFiles...)
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	c.app, err = bootstrap.New(cmd.Context(), cfg, logger)

	return err
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}

	err := c.app.Close()
	c.app = nil

	return err
}

func atoi(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}

	return n, nil
}

func (c *cli) addBatchCommand() *cobra.Command {
	var eta string

	cmd := &cobra.Command{
		Use:   "add-batch REF SKU QTY",
		Short: "Register a batch of stock",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := atoi("QTY", args[2])
			if err != nil {
				return err
			}

			msg := domain.CreateBatch{Ref: args[0], SKU: args[1], Qty: qty}

			if eta != "" {
				t, err := time.Parse(time.DateOnly, eta)
				if err != nil {
					return fmt.Errorf("--eta: %w", err)
				}

				msg.ETA = &t
			}

			if _, err := c.app.Handle(cmd.Context(), msg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "batch %s added\n", msg.Ref)

			return nil
		},
	}

	cmd.Flags().StringVar(&eta, "eta", "", "expected arrival date (YYYY-MM-DD); empty means in the warehouse")

	return cmd
}

func (c *cli) allocateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "allocate ORDERID SKU QTY",
		Short: "Allocate an order line to the best batch",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := atoi("QTY", args[2])
			if err != nil {
				return err
			}

			res, err := c.app.Handle(cmd.Context(), domain.Allocate{OrderID: args[0], SKU: args[1], Qty: qty})
			if err != nil {
				return err
			}

			ref, _ := res[0].(string)
			if ref == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "out of stock for %s\n", args[1])
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), ref)

			return nil
		},
	}
}

func (c *cli) changeQuantityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-quantity REF QTY",
		Short: "Change the purchased quantity of a batch, reallocating lines that no longer fit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := atoi("QTY", args[1])
			if err != nil {
				return err
			}

			res, err := c.app.Handle(cmd.Context(), domain.ChangeBatchQuantity{Ref: args[0], Qty: qty})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "batch %s now holds %d\n", args[0], qty)

			// results after the first come from reallocated lines
			for _, r := range res[1:] {
				if ref, ok := r.(string); ok && ref != "" {
					fmt.Fprintf(out, "reallocated to %s\n", ref)
				}
			}

			return nil
		},
	}
}

func (c *cli) allocationsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "allocations ORDERID",
		Short: "Show where the lines of an order were allocated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := c.app.View.Allocations(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if len(rows) == 0 {
				return errors.New("no allocations for " + args[0])
			}

			for _, r := range rows {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.SKU, r.BatchRef)
			}

			return nil
		},
	}
}
