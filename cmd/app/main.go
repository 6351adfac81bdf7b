package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"SignalDesk/internal/di"
	"SignalDesk/internal/usecase"
	"SignalDesk/pkg/config"
	"SignalDesk/pkg/server"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "signaldesk",
		Short: "Trading signal automation service",
		Long: `signaldesk watches open trading signals, keeps live quotes for their
instruments and closes each signal once its target or stop-loss is hit.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/config.yaml", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runOnceCmd())
	rootCmd.AddCommand(closeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the automation loop and control API until interrupted",
		RunE:  runServe,
	}
}

func runOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Evaluate every open signal once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := buildApp()
			if err != nil {
				return err
			}
			stats, err := app.RunBatch(ctx)
			if encErr := printJSON(stats); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}
}

func closeCmd() *cobra.Command {
	var (
		exitPrice string
		note      string
	)

	cmd := &cobra.Command{
		Use:   "close <signal-id>",
		Short: "Close one in-progress signal by hand",
		Long: `Close an in-progress signal at the given exit price. Without
--exit-price the signal closes at its target.

Example:
  signaldesk close 42 --exit-price 101.25 --note "flattened before earnings"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			closeReq := usecase.CloseCommand{ID: args[0], Note: note, Reason: usecase.ReasonManualClose}
			if exitPrice != "" {
				p, err := decimal.NewFromString(exitPrice)
				if err != nil {
					return fmt.Errorf("invalid --exit-price %q: %w", exitPrice, err)
				}
				closeReq.ExitPrice = &p
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			app, err := buildApp()
			if err != nil {
				return err
			}
			sig, err := app.CloseSignal(ctx, closeReq)
			if err != nil {
				return err
			}
			return printJSON(sig)
		},
	}

	cmd.Flags().StringVar(&exitPrice, "exit-price", "", "exit price (defaults to the signal target)")
	cmd.Flags().StringVar(&note, "note", "", "free-form note stored with the closure")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	app, err := buildApp()
	if err != nil {
		return err
	}
	return app.Serve(ctx)
}

func buildApp() (*server.App, error) {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	app, err := di.InitializeApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("app initialization failed: %w", err)
	}
	return app, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
