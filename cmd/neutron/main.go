// Package main is the entry point for the neutron CLI. Projects that define
// models build their own binary: register models in an init or main, then
// delegate to commands.NewRootCommand.
package main

import (
	"fmt"
	"os"

	"github.com/forwardcompute/neutronapi/cmd/neutron/commands"
)

// Version is set by the build.
var Version = "dev"

func main() {
	if err := commands.NewRootCommand(Version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
