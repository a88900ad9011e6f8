// Command sorobanreg is the command line client for the Soroban contract registry.
package main

import (
	"os"

	"github.com/pendergraft/sorobanregistry/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
