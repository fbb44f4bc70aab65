package main

import (
	"os"

	"github.com/vanfleet-dev/mcp-memory-service-sub001/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
