// Command gurih runs schema-driven applications.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/gurih/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gurih:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
