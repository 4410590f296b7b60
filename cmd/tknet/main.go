package main

import (
	"os"

	"github.com/tkengine/tknet/cmd/tknet/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
