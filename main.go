// Package main is the entry point for the custodian evidence pipeline.
package main

import (
	"context"
	"fmt"
	"os"

	"custodian/bootstrap"
	"custodian/cmd"
)

// run initializes and starts the custodian service.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI subcommands run without the service stack.
	if len(os.Args) > 1 && os.Args[1] == "import" {
		os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		importCmd := cmd.NewImportCmd()
		if err := importCmd.ExecuteContext(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
