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

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "runflow-api",
		Usage:                 "Start agent runs and follow their events",
		EnableShellCompletion: true,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
		}, cmd.Flags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing runflow API")

			container, err := cmd.Build(ctx, cmd.ConfigFromCommand(command, "runflow-api"), cmd.RoleAPI, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := container.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close container", "error", err)
				}
			}()

			if err := container.Start(ctx); err != nil {
				return err
			}

			api := NewAPI(
				container.Logger,
				container.Persistence,
				container.Coordinator,
				container.Bus,
			)

			return api.Start(ctx, command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("runflow-api failed", "error", err)
		os.Exit(1)
	}
}
