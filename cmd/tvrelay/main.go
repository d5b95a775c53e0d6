// Package main is the entry point for the tvrelay application.
package main

import (
	"os"

	"github.com/jmylchreest/tvrelay/cmd/tvrelay/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
