// Command desk is the agent console: it keeps the roster and conversations in sync with a relay
// and reads commands and replies from stdin.
package main

import (
	"log"

	"desk/cmd/internal/app"
)

func main() {
	if err := app.RunDesk(); err != nil {
		log.Fatal(err)
	}
}
