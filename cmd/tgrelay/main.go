package main

import (
	"context"
	"os"

	"tgrelay/cmd/tgrelay/cmd"
)

func main() {
	if err := cmd.RootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
