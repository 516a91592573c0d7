package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"oraclebot/internal/app"
	"oraclebot/internal/config"
)

func main() {
	os.Exit(run())
}

// run takes no arguments; the config path comes from the environment.
func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(config.PathFromEnv())
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return app.ExitFailure
	}
	return a.Run(ctx)
}
