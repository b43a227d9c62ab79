package mm

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

// PT_LOAD segment permission flags: PF_R=4, PF_W=2, PF_X=1.
const (
	PFX = uint32(elf.PF_X)
	PFW = uint32(elf.PF_W)
	PFR = uint32(elf.PF_R)
)

// Segment is one PT_LOAD program header's relevant fields plus its raw
// on-disk bytes (file_size long; callers round up to mem_size themselves).
type Segment struct {
	VirtAddr uint64
	MemSize  uint64
	Flags    uint32
	Data     []byte
}

// ParseELF validates the ELF64 magic and returns every PT_LOAD segment in
// program-header order. No third-party ELF parser is in scope here (see
// DESIGN.md); debug/elf is the stdlib exception.
func ParseELF(data []byte) ([]Segment, error) {
	if err := validateElfMagic(data); err != nil {
		return nil, err
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("mm: parse ELF: %w", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("mm: only ELF64 guest images are supported")
	}

	var segs []Segment
	for _, ph := range f.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		buf := make([]byte, ph.Filesz)
		if ph.Filesz > 0 {
			if _, err := io.ReadFull(ph.Open(), buf); err != nil {
				return nil, fmt.Errorf("mm: read PT_LOAD segment at %#x: %w", ph.Vaddr, err)
			}
		}
		segs = append(segs, Segment{
			VirtAddr: ph.Vaddr,
			MemSize:  ph.Memsz,
			Flags:    uint32(ph.Flags),
			Data:     buf,
		})
	}
	return segs, nil
}
