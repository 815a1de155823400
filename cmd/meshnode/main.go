package main

import (
	"os"

	"github.com/dreamware/mesh/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
