// Package main provides the modelinspect CLI.
package main

import (
	"os"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "v0.1.0-dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
