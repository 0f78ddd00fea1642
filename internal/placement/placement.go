// Package placement assigns bus addresses to every device of a domain
// definition that lacks one, and checks the ones that are given.
package placement

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/addrspace/ccw"
	"github.com/tinyrange/vmaddr/internal/addrspace/pci"
	"github.com/tinyrange/vmaddr/internal/addrspace/spaprvio"
	"github.com/tinyrange/vmaddr/internal/addrspace/usb"
	"github.com/tinyrange/vmaddr/internal/addrspace/vioserial"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// Addresses holds the address sets left behind by a placement pass. They
// are used for later hot-plug and hot-unplug of devices. A set is nil when
// the machine has no such bus.
type Addresses struct {
	def  *domain.Def
	opts Options

	PCI          *pci.AddressSet
	USB          *usb.AddressSet
	CCW          *ccw.AddressSet
	VirtioSerial *vioserial.AddressSet
	SpaprVIO     *spaprvio.AddressSet
}

// AssignAddresses adds the controllers the machine implies, then places
// virtio-serial ports, spapr-vio registers, CCW devnos, PCI slots and USB
// ports in that order.
// def is updated in place.
func AssignAddresses(def *domain.Def, opts Options) (*Addresses, error) {
	a := &Addresses{def: def, opts: opts}

	if err := AddImplicitControllers(def, opts); err != nil {
		return nil, fmt.Errorf("adding implicit controllers: %w", err)
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"virtio-serial", a.assignVirtioSerial},
		{"spapr-vio", a.assignSpaprVIO},
		{"ccw", a.assignS390},
		{"virtio-mmio", a.assignVirtioMMIO},
		{"pci", a.assignPCI},
		{"usb", a.assignUSB},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("assigning %s addresses: %w", step.name, err)
		}
		slog.Debug("address pass finished", "pass", step.name, "domain", def.Name)
	}
	return a, nil
}

// Def returns the definition the addresses belong to.
func (a *Addresses) Def() *domain.Def {
	return a.def
}
