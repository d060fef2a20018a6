package main

import (
	"os"

	"github.com/ghostmesh/ghostmesh/internal/ghostadm"
)

func main() {
	if err := ghostadm.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
