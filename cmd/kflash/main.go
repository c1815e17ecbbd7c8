// Command kflash is the CLI entry point for the firmware build-and-flash
// orchestrator.
package main

import (
	"os"

	"github.com/kflash/kflash/cmd/kflash/app"
)

func main() {
	cmd := app.NewKflashCommand()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
