package main

import (
	"os"

	"localmind/internal/cli"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "0.3.0-dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
