package main

import (
	"os"

	"asyncsqlite/internal/app"
	"asyncsqlite/pkg/asyncsqlite"
)

func main() {
	// spawned workers re-run this binary and must not reach the CLI
	asyncsqlite.ServeIfWorker()

	application, err := app.New()
	if err != nil {
		panic(err)
	}
	if err := application.Run(os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
