package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/runflow/pkg/cmd"
	"github.com/dukex/runflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	logger := log.WithModule("runflow-worker")

	command := &cli.Command{
		Name:                  "runflow-worker",
		EnableShellCompletion: true,
		Usage:                 "Drive agent run workflows",
		Flags:                 cmd.Flags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			container, err := cmd.Build(ctx, cmd.ConfigFromCommand(command, "runflow-worker"), cmd.RoleWorker, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := container.Close(context.WithoutCancel(ctx)); err != nil {
					container.Logger.ErrorContext(ctx, "Failed to close container", "error", err)
				}
			}()

			container.Logger.InfoContext(ctx, "Initializing runflow worker")

			if err := container.Start(ctx); err != nil {
				return err
			}

			container.Logger.InfoContext(ctx, "Worker started successfully")

			<-ctx.Done()
			container.Logger.InfoContext(ctx, "Shutting down worker...")

			return nil
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("runflow-worker failed", "error", err)
		os.Exit(1)
	}
}
