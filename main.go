package main

import (
	"fmt"
	"os"

	"pvefleet/cmd"
	"pvefleet/internal/logging"
)

func main() {
	if err := logging.InitLogger(); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to initialize logger: "+err.Error())
		os.Exit(cmd.ExitConfiguration)
	}

	code := cmd.Execute()
	// os.Exit skips deferred calls. Sync errors on stderr are not actionable.
	_ = logging.Sync()
	os.Exit(code)
}
