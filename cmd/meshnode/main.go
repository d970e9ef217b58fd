package main

import (
	"os"

	"meshcore/cmd/meshnode/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
