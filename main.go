package main

import (
	"singtool/internal/cli"
)

// main is the application's entry point; all behavior lives behind the
// command tree.
func main() {
	cli.Execute()
}
