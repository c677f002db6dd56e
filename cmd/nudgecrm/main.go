// Command nudgecrm runs the practice nudge automation.
package main

import (
	"fmt"
	"os"

	_ "time/tzdata" // schedule zones must resolve on hosts without zoneinfo

	"github.com/roach88/nudgecrm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
