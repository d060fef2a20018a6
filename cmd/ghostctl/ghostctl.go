package main

import (
	"os"

	"github.com/ghostmesh/ghostmesh/internal/ghostctl"
)

func main() {
	if err := ghostctl.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
