package main

import (
	"os"

	"github.com/mohammed-shakir/dashboard-query-cache/internal/cli"
)

var Version = "dev"

func main() {
	if err := cli.NewRootCommand(Version).Execute(); err != nil {
		os.Exit(1)
	}
}
