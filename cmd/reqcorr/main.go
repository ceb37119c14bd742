package main

import (
	"os"

	"github.com/psantana5/reqcorr/cmd/reqcorr/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
