// Command tpmpage is a TPM page context for terminals and kiosk stations. It
// subscribes to role broadcasts from tpmgate, raises role notifications and
// manages the notification consent of the station.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
