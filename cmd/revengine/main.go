package main

import (
	"log/slog"
	"os"

	"github.com/wispbit/revengine/internal/cli"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
