package main

import (
	"os"

	"github.com/citypages/cacheflow/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
