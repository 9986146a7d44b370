package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/pflag"

	"github.com/evanphx/meridian/config"
	"github.com/evanphx/meridian/kernel"
	"github.com/evanphx/meridian/loader"
	"github.com/evanphx/meridian/memory"
)

var (
	fVerbose = pflag.BoolP("verbose", "v", false, "dump the parsed image")
)

func main() {
	pflag.Parse()

	if pflag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: mdump [-v] image [args...]\n")
		os.Exit(2)
	}

	if err := dump(pflag.Arg(0), pflag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mdump: %s\n", err)
		os.Exit(1)
	}
}

func dump(path string, rest []string) error {
	img, err := loader.NewLoader(loader.NewLoaderCache()).LoadFile(path)
	if err != nil {
		return err
	}

	if *fVerbose {
		spew.Dump(img)
	}

	start, end := img.Footprint()

	fmt.Printf("key       %s\n", img.Key)
	fmt.Printf("entry     %#x\n", img.Entry)
	fmt.Printf("footprint [%#x, %#x) %d pages\n", start, end, (end-start)/memory.PageSize)
	fmt.Printf("ipc buf   %#x\n", img.End())
	fmt.Printf("tp        %#x\n", img.ThreadPointer())
	fmt.Printf("vsyscall  %#x\n", img.VSyscall())

	fmt.Printf("\n[segments]\n")

	tr := tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for i, seg := range img.Segments {
		s, e := seg.Footprint()
		fmt.Fprintf(tr, "%d\t%#x\tfilesz=%#x\tmemsz=%#x\t[%#x, %#x)\t%s\texec=%v\n",
			i, seg.Vaddr, seg.Filesz, seg.Memsz, s, e, seg.Rights(), seg.Executable())
	}
	tr.Flush()

	if len(img.Sections) > 0 {
		fmt.Printf("\n[sections]\n")

		names := make([]string, 0, len(img.Sections))
		for n := range img.Sections {
			names = append(names, n)
		}
		sort.Strings(names)

		tr = tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
		for _, n := range names {
			fmt.Fprintf(tr, "%s\t%#x\n", n, img.Sections[n])
		}
		tr.Flush()
	}

	layout := config.DefaultLayout()
	args := append([]string{filepath.Base(path)}, rest...)

	page, sp, err := kernel.StackImage(layout.StackTop, args, img.Entry)
	if err != nil {
		return err
	}

	fmt.Printf("\n[stack] sp=%#x\n", sp)

	base := layout.StackTop - uint64(len(page))

	tr = tabwriter.NewWriter(os.Stdout, 4, 8, 1, ' ', 0)
	for addr := sp; addr+8 <= layout.StackTop; addr += 8 {
		off := addr - base
		fmt.Fprintf(tr, "  %#x\t+%d\t%#x\n", addr, addr-sp,
			binary.LittleEndian.Uint64(page[off:off+8]))
	}
	tr.Flush()

	return nil
}
