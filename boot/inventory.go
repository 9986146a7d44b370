package boot

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/evanphx/meridian/ukernel"
	"github.com/evanphx/meridian/ukernel/sim"
)

var (
	ErrBadInventory = errors.New("boot: invalid inventory")
	ErrNoMemory     = errors.New("boot: no general-purpose memory region")
)

// Region is one raw memory region as written in an inventory file.
type Region struct {
	Paddr    uint64 `yaml:"paddr"`
	SizeBits int    `yaml:"size_bits"`
	Device   bool   `yaml:"device"`
}

// Inventory lists the memory the microkernel hands to the coordinator at
// boot.
type Inventory struct {
	Regions []Region `yaml:"regions"`
}

// DefaultInventory is two general-purpose regions and one device window.
func DefaultInventory() *Inventory {
	return &Inventory{
		Regions: []Region{
			{Paddr: 0x4000_0000, SizeBits: 26},
			{Paddr: 0x8000_0000, SizeBits: 22},
			{Paddr: 0x0900_0000, SizeBits: 16, Device: true},
		},
	}
}

// ParseInventory decodes and validates a YAML inventory.
func ParseInventory(data []byte) (*Inventory, error) {
	var inv Inventory

	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, errors.Wrap(err, "decoding inventory")
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	return &inv, nil
}

func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	inv, err := ParseInventory(data)
	if err != nil {
		return nil, errors.Wrapf(err, "inventory %s", path)
	}

	return inv, nil
}

func (inv *Inventory) Validate() error {
	if len(inv.Regions) == 0 {
		return errors.Wrap(ErrBadInventory, "no regions")
	}

	for i, r := range inv.Regions {
		if r.SizeBits < ukernel.PageBits || r.SizeBits > 40 {
			return errors.Wrapf(ErrBadInventory, "region %d: size bits %d", i, r.SizeBits)
		}

		if r.Paddr&(1<<uint(ukernel.PageBits)-1) != 0 {
			return errors.Wrapf(ErrBadInventory, "region %d: paddr %#x not page aligned", i, r.Paddr)
		}
	}

	return nil
}

func (inv *Inventory) simRegions() []sim.Region {
	out := make([]sim.Region, len(inv.Regions))

	for i, r := range inv.Regions {
		out[i] = sim.Region{Paddr: r.Paddr, SizeBits: r.SizeBits, Device: r.Device}
	}

	return out
}

// SelectUntyped orders the general-purpose regions largest first. Device
// regions can only back frames and are never picked for carving.
func SelectUntyped(uts []sim.UntypedDesc) ([]sim.UntypedDesc, error) {
	var general []sim.UntypedDesc

	for _, ut := range uts {
		if !ut.Device {
			general = append(general, ut)
		}
	}

	if len(general) == 0 {
		return nil, ErrNoMemory
	}

	sort.SliceStable(general, func(i, j int) bool {
		return general[i].SizeBits > general[j].SizeBits
	})

	return general, nil
}
