package main

import (
	"os"

	"github.com/garnizeh/nudge/internal/cli"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version, cli.BuildTime = version, buildTime
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
