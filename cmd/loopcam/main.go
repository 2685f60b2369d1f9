// Package main is the entry point for the loopcam application.
package main

import (
	"os"

	"github.com/jmylchreest/loopcam/cmd/loopcam/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
