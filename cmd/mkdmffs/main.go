// Command mkdmffs packs a host directory tree into a single DMFFS image.
//
// Usage: mkdmffs <input_directory> <output_file>
//
// Exit status is 0 on success, 1 on any error; there are no flags, per
// the packer's external interface.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/choco-technologies/dmffs/internal/pack"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <input_directory> <output_file>\n", os.Args[0])
		os.Exit(1)
	}

	p := &pack.Packer{}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		p.Logf = log.Printf
	}

	if err := p.Pack(context.Background(), os.Args[1], os.Args[2]); err != nil {
		log.Printf("mkdmffs: %v", err)
		os.Exit(1)
	}
}
