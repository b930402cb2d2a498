package main

import (
	"os"

	"github.com/andyan77/diyu-agent-sub002/internal/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
