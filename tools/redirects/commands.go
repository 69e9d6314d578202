package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/subcommands"
)

// scanFlags holds the flags shared by all commands.
type scanFlags struct {
	root string
	dir  string
}

func (s *scanFlags) register(f *flag.FlagSet) {
	f.StringVar(&s.root, "root", ".", "folder containing the go.mod file of the kernel.")
	f.StringVar(&s.dir, "dir", "kernel", "folder, relative to -root, that is scanned for redirect directives.")
}

func (s *scanFlags) redirects() ([]*redirect, error) {
	goFiles, err := collectGoFiles(filepath.Join(s.root, s.dir))
	if err != nil {
		return nil, err
	}

	return findRedirects(s.root, goFiles)
}

// countCmd implements subcommands.Command for the "count" command.
type countCmd struct {
	scanFlags
	out io.Writer
}

// Name implements subcommands.Command.
func (*countCmd) Name() string {
	return "count"
}

// Synopsis implements subcommands.Command.
func (*countCmd) Synopsis() string {
	return "prints the number of go:redirect-from directives"
}

// Usage implements subcommands.Command.
func (*countCmd) Usage() string {
	return "count [flags]\n"
}

// SetFlags implements subcommands.Command.
func (c *countCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
}

// Execute implements subcommands.Command.
func (c *countCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	redirects, err := c.redirects()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Fprintf(c.out, "%d", len(redirects))
	return subcommands.ExitSuccess
}

// populateTableCmd implements subcommands.Command for the "populate-table"
// command.
type populateTableCmd struct {
	scanFlags
}

// Name implements subcommands.Command.
func (*populateTableCmd) Name() string {
	return "populate-table"
}

// Synopsis implements subcommands.Command.
func (*populateTableCmd) Synopsis() string {
	return "writes the redirect table into a linked kernel image"
}

// Usage implements subcommands.Command.
func (*populateTableCmd) Usage() string {
	return "populate-table [flags] <kernel image>\n"
}

// SetFlags implements subcommands.Command.
func (c *populateTableCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
}

// Execute implements subcommands.Command.
func (c *populateTableCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	imgFile := f.Arg(0)

	redirects, err := c.redirects()
	if err == nil {
		err = elfResolveRedirectSymbols(redirects, imgFile)
	}
	if err == nil {
		err = elfWriteRedirectTable(redirects, imgFile)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
