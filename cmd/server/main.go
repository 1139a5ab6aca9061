// Carat - conversational image studio server
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	if err := newRootCmd(logger).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	serve := newServeCmd(logger)
	root := &cobra.Command{
		Use:           "carat",
		Short:         "Carat conversational image studio",
		Long:          "Carat runs the chat server that turns Korean conversation into image generation and edit tasks.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, newMaskCmd(), newClassifyCmd(logger))
	return root
}
