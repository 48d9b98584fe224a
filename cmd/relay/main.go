package main

import (
	"log"

	"desk/cmd/internal/app"
)

func main() {
	if err := app.RunRelay(); err != nil {
		log.Fatal(err)
	}
}
