// scorectl is the command-line client for cipherscore.
package main

import "github.com/mbd888/cipherscore/internal/cli"

// Set via -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.Execute()
}
