package main

import (
	"fmt"
	"os"

	"github.com/atlasbridge/atlasbridge/internal/command"
)

func main() {
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(command.ExitCode(err))
	}
}
