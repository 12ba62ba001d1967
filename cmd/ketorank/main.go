// Package main provides the entry point for the ketorank CLI.
package main

import (
	"os"

	"github.com/ketolab/ketorank/cmd/ketorank/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
