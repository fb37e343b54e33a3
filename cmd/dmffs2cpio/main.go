// Command dmffs2cpio re-serializes a DMFFS image's entries into a cpio
// archive, so the image can be inspected with standard Unix tools (cpio
// -t, cpio -i) without a DMFFS-aware reader.
//
// Usage: dmffs2cpio <image> <output.cpio>
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/cavaliercoder/go-cpio"

	"github.com/choco-technologies/dmffs/internal/dmffs"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <image> <output.cpio>\n", os.Args[0])
		os.Exit(1)
	}
	image, outputPath := os.Args[1], os.Args[2]

	if err := convert(image, outputPath); err != nil {
		log.Printf("dmffs2cpio: %v", err)
		os.Exit(1)
	}
}

func convert(image, outputPath string) error {
	ctx, err := dmffs.Init("flash_image=" + image)
	if err != nil {
		return err
	}
	defer ctx.Deinit()

	out, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	w := cpio.NewWriter(out)
	defer w.Close()

	d, err := ctx.OpenDir("")
	if err != nil {
		return err
	}
	defer d.Close()

	for {
		info, err := d.Read()
		if err != nil {
			break
		}
		if info.IsDir {
			continue
		}
		if err := writeEntry(w, ctx, info); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(w *cpio.Writer, ctx *dmffs.Context, info dmffs.Info) error {
	f, err := ctx.Open(info.Name, dmffs.ModeReadOnly, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	mode := cpio.FileMode(0444)
	hdr := &cpio.Header{
		Name:    info.Name,
		Mode:    mode,
		Size:    info.Size,
		ModTime: time.Unix(int64(info.Mtime), 0),
	}
	if err := w.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(w, f.Reader())
	return err
}
