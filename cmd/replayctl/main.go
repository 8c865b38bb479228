package main

import (
	"fmt"
	"os"

	"replaytasker/internal/cli"
	"replaytasker/internal/config"
)

func main() {
	_ = config.LoadDotEnv()
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
