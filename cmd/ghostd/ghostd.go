package main

import (
	"os"

	"github.com/ghostmesh/ghostmesh/internal/ghostd"
)

func main() {
	if err := ghostd.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
