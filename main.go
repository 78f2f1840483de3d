// Package main is responsible for the main func of snisocks.  The actual work
// is done in the cmd package.
package main

import "github.com/ameshkov/snisocks/internal/cmd"

func main() {
	cmd.Main()
}
