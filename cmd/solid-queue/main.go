package main

import (
	"os"

	"github.com/buncis/solid-queue/internal/cli"
	"github.com/buncis/solid-queue/pkg/solidqueue"
)

func main() {
	reg := solidqueue.NewRegistry()

	// Forked children re-enter here with the same handlers registered.
	solidqueue.RunChildIfRequested(reg)

	os.Exit(cli.Execute(reg, os.Args[1:]))
}
