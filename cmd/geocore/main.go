// Command geocore runs and inspects the geospatial state engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/geocore/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cli.GetExitCode(err))
}
