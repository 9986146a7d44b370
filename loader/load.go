package loader

import (
	"bytes"
	"debug/elf"
	"encoding/base64"
	"io"
	"os"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/evanphx/meridian/log"
)

var (
	ErrNotExecutable = errors.New("loader: not an executable image")
	ErrWrongMachine  = errors.New("loader: image is not a 64-bit AArch64 ELF")
	ErrNoSegments    = errors.New("loader: image has no loadable segments")
)

type LoaderCache struct {
	mu sync.RWMutex

	cache *lru.ARCCache
}

func NewLoaderCache() *LoaderCache {
	cache, err := lru.NewARC(100)
	if err != nil {
		panic(err)
	}

	return &LoaderCache{cache: cache}
}

func (l *LoaderCache) Lookup(key string) (*Image, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	val, ok := l.cache.Get(key)
	if !ok {
		return nil, false
	}

	return val.(*Image), true
}

func (l *LoaderCache) Set(key string, img *Image) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache.Add(key, img)
}

func (l *LoaderCache) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.cache.Len()
}

func NewLoader(cache *LoaderCache) *Loader {
	return &Loader{
		L:     log.Named("loader"),
		cache: cache,
	}
}

type Loader struct {
	L     hclog.Logger
	cache *LoaderCache
}

func (l *Loader) LoadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	img, err := l.Load(f)
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", path)
	}

	return img, nil
}

func (l *Loader) Load(r io.Reader) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var cacheKey string

	if l.cache != nil {
		l.L.Debug("calculating image cache key")

		h, err := blake2b.New256(nil)
		if err != nil {
			return nil, err
		}

		h.Write(data)

		cacheKey = base64.URLEncoding.EncodeToString(h.Sum(nil))

		l.L.Debug("looking for cached image", "key", cacheKey)

		if img, ok := l.cache.Lookup(cacheKey); ok {
			return img, nil
		}
	}

	img, err := parse(data)
	if err != nil {
		return nil, err
	}

	img.Key = cacheKey

	if l.cache != nil {
		l.L.Debug("cached image", "key", cacheKey)
		l.cache.Set(cacheKey, img)
	}

	return img, nil
}

func parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(ErrNotExecutable, err.Error())
	}

	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_AARCH64 {
		return nil, errors.Wrapf(ErrWrongMachine, "class=%s machine=%s", f.Class, f.Machine)
	}

	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, errors.Wrapf(ErrNotExecutable, "type=%s", f.Type)
	}

	img := &Image{
		Entry:    f.Entry,
		Sections: make(map[string]uint64),
	}

	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			seg := Segment{
				Vaddr:  p.Vaddr,
				Memsz:  p.Memsz,
				Filesz: p.Filesz,
				Flags:  p.Flags,
			}

			if p.Filesz > 0 {
				seg.Data = make([]byte, p.Filesz)
				if _, err := p.ReadAt(seg.Data, 0); err != nil && err != io.EOF {
					return nil, errors.Wrapf(err, "reading segment at %#x", p.Vaddr)
				}
			}

			img.Segments = append(img.Segments, seg)
		case elf.PT_TLS:
			img.TLS = &Segment{
				Vaddr:  p.Vaddr,
				Memsz:  p.Memsz,
				Filesz: p.Filesz,
				Flags:  p.Flags,
			}
		}
	}

	if len(img.Segments) == 0 {
		return nil, ErrNoSegments
	}

	for _, s := range f.Sections {
		if s.Name == "" || s.Addr == 0 {
			continue
		}

		img.Sections[s.Name] = s.Addr

		if end := s.Addr + s.Size; end > img.sectionEnd {
			img.sectionEnd = end
		}
	}

	return img, nil
}
