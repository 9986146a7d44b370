package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/vektra/neko"

	"github.com/evanphx/meridian/ukernel"
)

type testSeg struct {
	vaddr uint64
	memsz uint64
	flags elf.ProgFlag
	data  []byte
}

type testSection struct {
	name string
	addr uint64
	size uint64
}

// buildELF assembles a minimal AArch64 executable.
func buildELF(t *testing.T, machine elf.Machine, entry uint64, segs []testSeg, secs []testSection) []byte {
	const (
		ehsize    = 64
		phentsize = 56
		shentsize = 64
	)

	dataOff := uint64(ehsize + phentsize*len(segs))

	var payload bytes.Buffer
	var progs []elf.Prog64

	for _, s := range segs {
		progs = append(progs, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.flags),
			Off:    dataOff + uint64(payload.Len()),
			Vaddr:  s.vaddr,
			Paddr:  s.vaddr,
			Filesz: uint64(len(s.data)),
			Memsz:  s.memsz,
			Align:  0x1000,
		})
		payload.Write(s.data)
	}

	strtab := []byte{0}
	nameOff := make([]uint32, len(secs))
	for i, s := range secs {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.name...)
		strtab = append(strtab, 0)
	}
	shstrName := uint32(len(strtab))
	strtab = append(strtab, ".shstrtab"...)
	strtab = append(strtab, 0)

	strOff := dataOff + uint64(payload.Len())
	payload.Write(strtab)

	shoff := dataOff + uint64(payload.Len())

	shdrs := []elf.Section64{{}}
	for i, s := range secs {
		shdrs = append(shdrs, elf.Section64{
			Name:      nameOff[i],
			Type:      uint32(elf.SHT_NOBITS),
			Flags:     uint64(elf.SHF_ALLOC),
			Addr:      s.addr,
			Size:      s.size,
			Addralign: 8,
		})
	}
	shdrs = append(shdrs, elf.Section64{
		Name:      shstrName,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       strOff,
		Size:      uint64(len(strtab)),
		Addralign: 1,
	})

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(len(progs)),
		Shentsize: shentsize,
		Shnum:     uint16(len(shdrs)),
		Shstrndx:  uint16(len(shdrs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, hdr))
	for _, p := range progs {
		require.NoError(t, binary.Write(&out, binary.LittleEndian, p))
	}
	out.Write(payload.Bytes())
	for _, s := range shdrs {
		require.NoError(t, binary.Write(&out, binary.LittleEndian, s))
	}

	return out.Bytes()
}

func sampleELF(t *testing.T) []byte {
	return buildELF(t, elf.EM_AARCH64, 0x400100,
		[]testSeg{
			{vaddr: 0x400000, memsz: 0x1800, flags: elf.PF_R | elf.PF_X, data: []byte("code-bytes")},
			{vaddr: 0x402000, memsz: 0x3000, flags: elf.PF_R | elf.PF_W, data: []byte("data")},
		},
		[]testSection{
			{name: ".vsyscall", addr: 0x402100, size: 8},
			{name: ".tbss", addr: 0x404f00, size: 0x200},
		},
	)
}

func TestLoad(t *testing.T) {
	n := neko.Modern(t)

	n.It("reads segments, entry and sections", func(t *testing.T) {
		img, err := NewLoader(nil).Load(bytes.NewReader(sampleELF(t)))
		require.NoError(t, err)

		require.Equal(t, uint64(0x400100), img.Entry)
		require.Len(t, img.Segments, 2)

		text := img.Segments[0]
		require.Equal(t, []byte("code-bytes"), text.Data)
		require.True(t, text.Executable())
		require.Equal(t, ukernel.RightRead, text.Rights())

		data := img.Segments[1]
		require.False(t, data.Executable())
		require.Equal(t, ukernel.RightRead|ukernel.RightWrite, data.Rights())

		start, end := img.Footprint()
		require.Equal(t, uint64(0x400000), start)
		require.Equal(t, uint64(0x405000), end)

		require.Equal(t, uint64(0x402100), img.VSyscall())
		require.Equal(t, uint64(0x404f00), img.ThreadPointer())
		require.Equal(t, uint64(0x406000), img.End())
	})

	n.It("rejects other machines", func(t *testing.T) {
		raw := buildELF(t, elf.EM_X86_64, 0x1000,
			[]testSeg{{vaddr: 0x1000, memsz: 0x10, flags: elf.PF_R, data: []byte{1}}}, nil)

		_, err := NewLoader(nil).Load(bytes.NewReader(raw))
		require.Equal(t, ErrWrongMachine, errors.Cause(err))
	})

	n.It("rejects garbage", func(t *testing.T) {
		_, err := NewLoader(nil).Load(bytes.NewReader([]byte("#!/bin/sh\n")))
		require.Equal(t, ErrNotExecutable, errors.Cause(err))
	})

	n.It("returns the cached image for identical content", func(t *testing.T) {
		cache := NewLoaderCache()
		l := NewLoader(cache)

		a, err := l.Load(bytes.NewReader(sampleELF(t)))
		require.NoError(t, err)
		require.NotEmpty(t, a.Key)

		b, err := l.Load(bytes.NewReader(sampleELF(t)))
		require.NoError(t, err)

		require.True(t, a == b)
		require.Equal(t, 1, cache.Len())
	})
}
