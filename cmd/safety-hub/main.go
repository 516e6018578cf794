package main

import (
	"fmt"
	"os"

	"github.com/panbishnoi/field-workforce-safety-ai-assistant/internal/cmd"
)

var version = "dev"

func main() {
	root := cmd.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
