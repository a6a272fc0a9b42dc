package main

import (
	"os"

	"github.com/whisperlink/backend/cmd/whisperlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
