package mm

// MapPermission bits, matching Sv39 PTE encoding: R=2, W=4, X=8, U=16.
type MapPermission uint8

const (
	PermR MapPermission = 1 << 1
	PermW MapPermission = 1 << 2
	PermX MapPermission = 1 << 3
	PermU MapPermission = 1 << 4
)

func (p MapPermission) Has(bit MapPermission) bool { return p&bit != 0 }

// pte is one logical page-table entry: a physical page number plus the
// permission bits that were in force when it was mapped.
type pte struct {
	ppn   PPN
	perm  MapPermission
	valid bool
}

// PageTable implements map(vpn,ppn,flags), unmap(vpn), translate(vpn). Both
// HostMemorySet and GuestMemorySet embed one; GuestMemorySet additionally
// exposes the 16 KiB-aligned root token hgatp requires.
type PageTable struct {
	entries map[VPN]pte
	// root is a 16KiB-aligned placeholder root "address" satisfying the
	// G-stage alignment requirement; since this PageTable is a Go map
	// rather than a byte-encoded tree, root is a token, not a real pointer
	// into PhysicalMemory.
	root PPN
}

const gstageRootAlignBytes = 16 * 1024

func NewPageTable() *PageTable {
	return &PageTable{entries: make(map[VPN]pte)}
}

// NewGuestPageTable allocates a PageTable whose root token satisfies the
// H-extension's 16 KiB G-stage root alignment.
func NewGuestPageTable(alloc *FrameAllocator) (*PageTable, error) {
	// Four 4KiB frames, the first of them 16KiB-aligned, reserve the root
	// region for hgatp; unaligned frames handed out before it are returned.
	const rootFrames = gstageRootAlignBytes / PageSize
	var first *Frame
	var skipped []*Frame
	for i := 0; i < rootFrames; {
		f, err := alloc.Alloc()
		if err != nil {
			return nil, err
		}
		if first == nil && uint64(f.PPN)%rootFrames != 0 {
			skipped = append(skipped, f)
			continue
		}
		if first == nil {
			first = f
		}
		i++
	}
	for _, f := range skipped {
		f.Release()
	}
	return &PageTable{entries: make(map[VPN]pte), root: first.PPN}, nil
}

func (t *PageTable) Map(vpn VPN, ppn PPN, perm MapPermission) {
	t.entries[vpn] = pte{ppn: ppn, perm: perm, valid: true}
}

func (t *PageTable) Unmap(vpn VPN) {
	delete(t.entries, vpn)
}

// Translate returns the PPN and permission bits mapped for vpn, or ok=false.
func (t *PageTable) Translate(vpn VPN) (ppn PPN, perm MapPermission, ok bool) {
	e, found := t.entries[vpn]
	if !found || !e.valid {
		return 0, 0, false
	}
	return e.ppn, e.perm, true
}

// Token returns the root token (analogous to satp/hgatp's PPN field).
func (t *PageTable) Token() PPN { return t.root }
