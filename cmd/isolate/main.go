package main

import (
	"os"

	"github.com/isolate-dbg/isolate/cmd/isolate/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
