// Command dmffsmount mounts a DMFFS image read-only at a host mountpoint
// via FUSE, for interactive inspection with ordinary Unix tools.
//
// Usage: dmffsmount <image> <mountpoint>
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jacobsa/fuse"

	"github.com/choco-technologies/dmffs/internal/dmffs"
	"github.com/choco-technologies/dmffs/internal/fusebridge"
	"github.com/choco-technologies/dmffs/internal/oninterrupt"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <image> <mountpoint>\n", os.Args[0])
		os.Exit(1)
	}
	image, mountpoint := os.Args[1], os.Args[2]

	ctx, err := dmffs.Init("flash_image=" + image)
	if err != nil {
		log.Fatalf("dmffsmount: %v", err)
	}

	mfs, err := fusebridge.Mount(ctx, mountpoint)
	if err != nil {
		ctx.Deinit()
		log.Fatalf("dmffsmount: %v", err)
	}

	oninterrupt.Register(func() {
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Printf("dmffsmount: unmount: %v", err)
		}
		ctx.Deinit()
	})

	if err := mfs.Join(context.Background()); err != nil {
		log.Fatalf("dmffsmount: %v", err)
	}
	ctx.Deinit()
}
