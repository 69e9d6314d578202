// Command redirects locates the functions annotated with go:redirect-from
// directives and patches the redirect table of a linked kernel image so the
// rt0 code can replace the Go runtime symbols with the kernel implementations.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&countCmd{out: os.Stdout}, "")
	subcommands.Register(new(populateTableCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
