package main

import (
	"fmt"
	"os"

	"mailwarm/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DefaultConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
