package kernel

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/evanphx/meridian/memory"
	"github.com/evanphx/meridian/ukernel"
)

// walk visits [vaddr, vaddr+n) page by page through the scratch mapping.
func (t *Task) walk(vaddr uint64, n int, fn func(page []byte, off uint64, done int, chunk int)) error {
	done := 0

	for done < n {
		addr := vaddr + uint64(done)
		off := addr & (memory.PageSize - 1)

		chunk := n - done
		if rem := int(memory.PageSize - off); chunk > rem {
			chunk = rem
		}

		frame, ok := t.frameAt(addr)
		if !ok {
			return errors.Wrapf(ErrNotMapped, "vaddr %#x", addr)
		}

		err := t.k.stage(frame, func(page []byte) error {
			fn(page, off, done, chunk)
			return nil
		})
		if err != nil {
			return err
		}

		done += chunk
	}

	return nil
}

// ReadAt copies task memory at vaddr into b.
func (t *Task) ReadAt(b []byte, vaddr uint64) error {
	return t.walk(vaddr, len(b), func(page []byte, off uint64, done, chunk int) {
		copy(b[done:done+chunk], page[off:])
	})
}

// WriteAt copies b into task memory at vaddr.
func (t *Task) WriteAt(b []byte, vaddr uint64) error {
	return t.walk(vaddr, len(b), func(page []byte, off uint64, done, chunk int) {
		copy(page[off:], b[done:done+chunk])
	})
}

// ReadCString reads a NUL-terminated string of at most limit bytes.
func (t *Task) ReadCString(vaddr uint64, limit int) ([]byte, error) {
	var buf bytes.Buffer

	var c [1]byte

	for buf.Len() < limit {
		if err := t.ReadAt(c[:], vaddr); err != nil {
			return nil, err
		}

		if c[0] == 0 {
			break
		}

		buf.WriteByte(c[0])
		vaddr++
	}

	return buf.Bytes(), nil
}

// CopyIn decodes a little-endian value from task memory.
func (t *Task) CopyIn(vaddr uint64, val interface{}) error {
	buf := make([]byte, binary.Size(val))

	if err := t.ReadAt(buf, vaddr); err != nil {
		return err
	}

	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, val)
}

// CopyOut encodes val little-endian into task memory.
func (t *Task) CopyOut(vaddr uint64, val interface{}) error {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, val); err != nil {
		return err
	}

	return t.WriteAt(buf.Bytes(), vaddr)
}

// Translate returns the physical address backing vaddr, from the frames the
// coordinator itself mapped into the task.
func (t *Task) Translate(vaddr uint64) (uint64, error) {
	frame, ok := t.frameAt(vaddr)
	if !ok {
		return 0, errors.Wrapf(ErrNotMapped, "vaddr %#x", vaddr)
	}

	paddr, err := t.k.sys.FrameAddress(frame)
	if err != nil {
		return 0, errors.Wrapf(err, "frame %d", frame)
	}

	return paddr + vaddr&(ukernel.PageSize-1), nil
}
