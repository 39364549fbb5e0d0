package main

import (
	"flag"
	"fmt"
	"io"
)

type flagSet struct {
	*flag.FlagSet
	configPath string
}

func newStdFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("escrowd "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: escrowd %s [flags]\n", name)
		fs.PrintDefaults()
	}
	return fs
}
