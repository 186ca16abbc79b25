package main

import (
	"log"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newApp().rootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}
