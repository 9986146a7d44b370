package kernel

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/abi/linux"
	"github.com/evanphx/meridian/memory"
)

// StackAlign is the alignment of every argument string and of the final
// stack pointer's string area.
const StackAlign = 16

// auxv returns the auxiliary vector a task starts with.
func auxv(entry, execfn uint64) map[uint64]uint64 {
	return map[uint64]uint64{
		linux.AT_NULL:   0,
		linux.AT_PAGESZ: memory.PageSize,
		linux.AT_ENTRY:  entry,
		linux.AT_UID:    0,
		linux.AT_EUID:   0,
		linux.AT_GID:    0,
		linux.AT_EGID:   0,
		linux.AT_EXECFN: execfn,
	}
}

type stackWriter struct {
	page []byte
	base uint64
	sp   uint64
}

func (w *stackWriter) str(s string) (uint64, error) {
	next := (w.sp - uint64(len(s)) - 1) / StackAlign * StackAlign
	if next < w.base || next > w.sp {
		return 0, errors.Wrapf(ErrStackFull, "argument of %d bytes", len(s))
	}

	off := next - w.base
	copy(w.page[off:], s)
	w.page[off+uint64(len(s))] = 0

	w.sp = next

	return next, nil
}

func (w *stackWriter) push(v uint64) error {
	if w.sp-8 < w.base || w.sp < 8 {
		return errors.Wrap(ErrStackFull, "pushing word")
	}

	w.sp -= 8
	binary.LittleEndian.PutUint64(w.page[w.sp-w.base:], v)

	return nil
}

// writeExecHeader fills the top stack page, which ends at top, and returns
// the initial stack pointer. From the top down it holds the argument
// strings, the auxiliary vector in ascending key order (each entry pushed
// value first), a null environment pointer, a null argv terminator, the
// argv pointers and finally argc at the stack pointer.
func writeExecHeader(page []byte, top uint64, args []string, entry uint64) (uint64, error) {
	w := &stackWriter{
		page: page,
		base: top - uint64(len(page)),
		sp:   top,
	}

	ptrs := make([]uint64, 0, len(args))

	for _, arg := range args {
		p, err := w.str(arg)
		if err != nil {
			return 0, err
		}

		ptrs = append(ptrs, p)
	}

	var execfn uint64
	if len(ptrs) > 0 {
		execfn = ptrs[0]
	}

	aux := auxv(entry, execfn)

	keys := make([]uint64, 0, len(aux))
	for k := range aux {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if err := w.push(aux[k]); err != nil {
			return 0, err
		}
		if err := w.push(k); err != nil {
			return 0, err
		}
	}

	// envp
	if err := w.push(0); err != nil {
		return 0, err
	}

	// argv terminator
	if err := w.push(0); err != nil {
		return 0, err
	}

	for i := len(ptrs) - 1; i >= 0; i-- {
		if err := w.push(ptrs[i]); err != nil {
			return 0, err
		}
	}

	if err := w.push(uint64(len(ptrs))); err != nil {
		return 0, err
	}

	return w.sp, nil
}

// StackImage returns the top stack page, ending at top, that a task started
// at entry with args would get, and its initial stack pointer.
func StackImage(top uint64, args []string, entry uint64) ([]byte, uint64, error) {
	page := make([]byte, memory.PageSize)

	sp, err := writeExecHeader(page, top, args, entry)
	if err != nil {
		return nil, 0, err
	}

	return page, sp, nil
}
