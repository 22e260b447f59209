// Command edged is the always-on edge daemon bridging the local Messages
// datastore with the orchestrator backend.
package main

import (
	"fmt"
	"os"
)

// Version is stamped at build time; left as a placeholder default here since
// this module is built without a release pipeline attached.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
