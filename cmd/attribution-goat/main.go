package main

import (
	"os"

	"github.com/attribution-goat/attribution-goat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
