package main

import (
	"fmt"
	"os"

	"github.com/shu-ai/shu-core/cmd/shu/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
