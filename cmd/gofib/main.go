// Command gofib runs job files on the fiber scheduler and serves the
// monitoring API.
package main

import (
	"fmt"
	"os"

	"github.com/me/gofib/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
