// Package main is the entry point for copilot-chat.
package main

import (
	"os"

	"github.com/capitalize-ai/copilot-chat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
