package boot

import (
	"context"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/boundary"
	"github.com/evanphx/meridian/loader"
	"github.com/evanphx/meridian/log"
	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

// EchoEntry is where EchoImage starts.
const EchoEntry = 0x400000

// EchoImage is a one-page executable for the built-in echo payload.
func EchoImage() *loader.Image {
	code := []byte("echo")

	return &loader.Image{
		Entry: EchoEntry,
		Segments: []loader.Segment{
			{
				Vaddr:  EchoEntry,
				Memsz:  0x1000,
				Filesz: uint64(len(code)),
				Data:   code,
				Flags:  elf.PF_R | elf.PF_X,
			},
		},
	}
}

// Echo is the built-in payload. It reads argc and argv off its initial
// stack, writes every argument after argv[0] on its own line through the
// syscall relay and exits. Its newline lives on the heap it grows with brk.
func Echo(ctx context.Context, th *sim.Thread) {
	regs := th.Registers()
	shim := boundary.NewShim(th, th, ukernel.CPtr(regs.GPR[0]))

	code := 0

	if err := echo(ctx, th, shim, regs.SP); err != nil {
		log.L.Error("echo payload failed", "error", err)
		code = 1
	}

	// exit_group is never answered; the call ends when the thread does.
	shim.Syscall(ctx, linux.SYS_EXIT_GROUP, ukernel.Word(code))
}

func echo(ctx context.Context, th *sim.Thread, shim *boundary.Shim, sp uint64) error {
	argc, err := loadWord(th, sp)
	if err != nil {
		return err
	}

	base, err := shim.Syscall(ctx, linux.SYS_BRK, 0)
	if err != nil {
		return err
	}

	nl := uint64(base)

	if top, err := shim.Syscall(ctx, linux.SYS_BRK, nl+1); err != nil || top != int64(nl+1) {
		return errors.Errorf("growing heap: %d %v", top, err)
	}

	if err := th.Store(nl, []byte{'\n'}); err != nil {
		return err
	}

	for i := uint64(1); i < argc; i++ {
		ptr, err := loadWord(th, sp+8*(i+1))
		if err != nil {
			return err
		}

		n, err := strlen(th, ptr)
		if err != nil {
			return err
		}

		for _, w := range [][2]uint64{{ptr, n}, {nl, 1}} {
			ret, err := shim.Syscall(ctx, linux.SYS_WRITE, 1, w[0], w[1])
			if err != nil {
				return err
			}

			if ret < 0 {
				return linux.Errno(-ret)
			}
		}
	}

	return nil
}

func loadWord(th *sim.Thread, vaddr uint64) (uint64, error) {
	var b [8]byte

	if err := th.Load(vaddr, b[:]); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

func strlen(th *sim.Thread, vaddr uint64) (uint64, error) {
	var c [1]byte

	for n := uint64(0); n < 4096; n++ {
		if err := th.Load(vaddr+n, c[:]); err != nil {
			return 0, err
		}

		if c[0] == 0 {
			return n, nil
		}
	}

	return 0, errors.Errorf("unterminated string at %#x", vaddr)
}
