// Package main is the entry point for the livedub CLI.
package main

import (
	"os"

	"livedub/cmd/livedub/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
