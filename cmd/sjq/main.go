package main

import (
	"fmt"
	"os"

	"sjq/internal/cli"
)

func main() {
	if err := cli.NewAppCmd(&cli.Globals{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sjq:", err)
		os.Exit(1)
	}
}
