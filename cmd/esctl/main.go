package main

import (
	"fmt"
	"os"

	"github.com/example/es-aggregate-store/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "esctl:", err)
		os.Exit(1)
	}
}
