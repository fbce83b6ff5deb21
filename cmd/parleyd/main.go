package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/parley-ai/parley/internal/cmd"
)

// version is stamped by the release build. Plain `go install` builds fall
// back to the module version recorded in build info.
var version = "dev"

func main() {
	if version == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			version = bi.Main.Version
		}
	}
	if err := cmd.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
