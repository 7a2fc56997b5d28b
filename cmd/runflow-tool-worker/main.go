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
	logger := log.WithModule("runflow-tool-worker")

	command := &cli.Command{
		Name:                  "runflow-tool-worker",
		EnableShellCompletion: true,
		Usage:                 "Execute queued tool requests",
		Flags:                 cmd.Flags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			container, err := cmd.Build(ctx, cmd.ConfigFromCommand(command, "runflow-tool-worker"), cmd.RoleToolWorker, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := container.Close(context.WithoutCancel(ctx)); err != nil {
					container.Logger.ErrorContext(ctx, "Failed to close container", "error", err)
				}
			}()

			if err := container.Start(ctx); err != nil {
				return err
			}

			container.Logger.InfoContext(ctx, "Tool worker started", "tools", len(container.Tools.Descriptors()))

			return container.RunToolQueue(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("runflow-tool-worker failed", "error", err)
		os.Exit(1)
	}
}
