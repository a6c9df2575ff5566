// Command kiosk runs the offline-first POS kiosk tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tabkiosk/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
