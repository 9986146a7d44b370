package loader

import (
	"debug/elf"

	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

// Segment is one loadable piece of an image. Data holds the file-backed
// prefix; the remaining Memsz-Filesz bytes are zero.
type Segment struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Data   []byte
	Flags  elf.ProgFlag
}

// Rights derives mapping rights from the segment flags.
func (s Segment) Rights() ukernel.Rights {
	var r ukernel.Rights

	if s.Flags&(elf.PF_R|elf.PF_X) != 0 {
		r |= ukernel.RightRead
	}

	if s.Flags&elf.PF_W != 0 {
		r |= ukernel.RightWrite
	}

	return r
}

func (s Segment) Executable() bool {
	return s.Flags&elf.PF_X != 0
}

func (s Segment) Footprint() (uint64, uint64) {
	return memory.Footprint(s.Vaddr, s.Memsz)
}

// Image is a parsed executable.
type Image struct {
	Entry    uint64
	Segments []Segment
	TLS      *Segment
	Sections map[string]uint64

	// Key is the content digest the image is cached under.
	Key string

	sectionEnd uint64
}

// Footprint is the page-aligned span covering every loadable segment.
func (img *Image) Footprint() (uint64, uint64) {
	var start, end uint64

	for i, seg := range img.Segments {
		s, e := seg.Footprint()
		if i == 0 || s < start {
			start = s
		}
		if e > end {
			end = e
		}
	}

	return start, end
}

// End is the first page boundary past every segment and section.
func (img *Image) End() uint64 {
	_, end := img.Footprint()

	if e := memory.PageAlignUp(img.sectionEnd); e > end {
		end = e
	}

	return end
}

// VSyscall is the address of the .vsyscall section, or zero.
func (img *Image) VSyscall() uint64 {
	return img.Sections[".vsyscall"]
}

// ThreadPointer is the initial TLS base: .tbss when present, otherwise the
// TLS segment.
func (img *Image) ThreadPointer() uint64 {
	if v, ok := img.Sections[".tbss"]; ok {
		return v
	}

	if img.TLS != nil {
		return img.TLS.Vaddr
	}

	return 0
}
