package main

import (
	"os"

	"github.com/austindbirch/pagehook/cmd/pagehookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
