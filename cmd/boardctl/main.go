// Command boardctl inspects and rearranges a board from the terminal.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Debug(err)
		os.Exit(1)
	}
}
