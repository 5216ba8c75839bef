package main

import (
	"os"
)

// Version can be set during build with -ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
