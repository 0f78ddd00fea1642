package placement

import (
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/addrspace/pci"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// defaultFlags is what an ordinary device presents.
const defaultFlags = pci.Hotpluggable | pci.PCIDevice

// collectFlags returns the connector flags of an element that already has
// a PCI address.
func collectFlags(e domain.Entry) pci.ConnectFlags {
	switch {
	case e.Controller != nil:
		c := e.Controller
		switch c.Type {
		case domain.ControllerPCI:
			flags, err := pci.ModelToConnectFlags(c.PCIModel)
			if err != nil || flags == 0 {
				return defaultFlags
			}
			return flags
		case domain.ControllerSATA:
			return pci.PCIDevice | pci.PCIeDevice
		case domain.ControllerUSB:
			switch c.USBModel {
			case domain.USBModelEHCI, domain.USBModelICH9EHCI1, domain.USBModelICH9UHCI1,
				domain.USBModelICH9UHCI2, domain.USBModelICH9UHCI3, domain.USBModelVT82C686BUHCI:
				return pci.PCIDevice
			case domain.USBModelNECXHCI:
				return pci.PCIDevice | pci.PCIeDevice
			}
		}
	case e.Device != nil:
		switch e.Device.Kind {
		case domain.DeviceSound:
			if e.Device.Model == "ich6" || e.Device.Model == "ich9" {
				return pci.PCIDevice
			}
		case domain.DeviceVideo:
			return pci.PCIDevice | pci.PCIeDevice
		}
	}
	return defaultFlags
}

// isPIIX3Integrated reports whether c is the IDE or USB function of the
// PIIX3 at 0:0:1, which the machine provides without a slot reservation.
func isPIIX3Integrated(c *domain.Controller) bool {
	addr := c.Info.PCI
	if addr.Domain != 0 || addr.Bus != 0 || addr.Slot != 1 || c.Index != 0 {
		return false
	}
	switch c.Type {
	case domain.ControllerIDE:
		return addr.Function == 1
	case domain.ControllerUSB:
		return (c.USBModel == domain.USBModelPIIX3UHCI || c.USBModel == domain.USBModelDefault) &&
			addr.Function == 2
	}
	return false
}

// collect reserves every PCI address already present in def.
func collect(def *domain.Def, set *pci.AddressSet) error {
	return def.ForEachInfo(func(e domain.Entry, info *domain.DeviceInfo) error {
		if info.Type != domain.AddressPCI {
			return nil
		}
		if e.Controller != nil && isPIIX3Integrated(e.Controller) {
			if bus := set.Bus(0); bus != nil && bus.Flags&pci.PCIDevice == 0 {
				return domain.InternalErrorf("Bus 0 must be PCI for integrated PIIX3 USB or IDE controllers")
			}
			return nil
		}

		wholeSlot := info.PCI.Function == 0 && info.Multifunction != domain.TristateOn
		if err := set.ReserveAddr(info.PCI, collectFlags(e), wholeSlot, true); err != nil {
			return err
		}
		return nil
	})
}

// newPCISet builds a set of nbuses buses shaped by the PCI controllers of
// def and reserves the addresses def already uses.
func newPCISet(def *domain.Def, nbuses int, dryRun bool) (*pci.AddressSet, error) {
	set, err := pci.NewAddressSet(nbuses, dryRun)
	if err != nil {
		return nil, err
	}
	for _, c := range def.Controllers {
		if c.Type != domain.ControllerPCI {
			continue
		}
		if int(c.Index) >= nbuses {
			return nil, domain.InternalErrorf("Inappropriate new pci controller index %d not found in addrs", c.Index)
		}
		if err := set.SetBusModel(int(c.Index), c.PCIModel); err != nil {
			return nil, err
		}
	}
	if err := collect(def, set); err != nil {
		return nil, err
	}
	return set, nil
}

// supportsPCI reports whether the machine has a usable PCI host bridge.
func (a *Addresses) supportsPCI() bool {
	if !a.def.IsARM() {
		return true
	}
	if a.def.Machine == "versatilepb" {
		return true
	}
	return a.def.IsARMVirt() && a.opts.GPEX
}

func (a *Addresses) assignPCI() error {
	def := a.def

	maxIdx := -1
	for _, c := range def.Controllers {
		if c.Type == domain.ControllerPCI && int(c.Index) > maxIdx {
			maxIdx = int(c.Index)
		}
	}
	nbuses := maxIdx + 1

	if nbuses > 0 && a.opts.PCIBridge {
		n, err := a.planBridges(nbuses)
		if err != nil {
			return err
		}
		nbuses = n
	} else if maxIdx > 0 {
		return domain.ConfigErrorf("PCI bridges are not supported by this hypervisor")
	}

	set, err := newPCISet(def, nbuses, false)
	if err != nil {
		return err
	}
	if a.supportsPCI() {
		if err := a.validateChipsets(set); err != nil {
			return err
		}
		if err := a.assignDeviceSlots(set); err != nil {
			return err
		}
		for _, c := range def.Controllers {
			if c.Type != domain.ControllerPCI || c.PCIModel != domain.PCIModelPCIBridge {
				continue
			}
			if c.Index <= uint(c.Info.PCI.Bus) {
				return domain.ConfigErrorf("failed to create PCI bridge on bus %d: too many devices with fixed addresses",
					c.Info.PCI.Bus)
			}
		}
	}

	a.PCI = set
	return nil
}

// planBridges places every device on a growable copy of the bus list, then
// adds a pci-bridge controller for each bus the copy needed. It returns
// the bus count the real pass should use.
func (a *Addresses) planBridges(nbuses int) (int, error) {
	def := a.def

	set, err := newPCISet(def, nbuses, true)
	if err != nil {
		return 0, err
	}
	if err := a.validateChipsets(set); err != nil {
		return 0, err
	}

	reserved := true
	for i := 0; i < set.NumBuses(); i++ {
		if !set.BusFullyReserved(i) {
			reserved = false
			break
		}
	}
	// One spare slot for a bridge that may turn out to be needed.
	if !reserved {
		if _, err := set.ReserveNextSlot(nil, pci.PCIDevice); err != nil {
			return 0, err
		}
	}

	if err := a.assignDeviceSlots(set); err != nil {
		return 0, err
	}

	for i := 1; i < set.NumBuses(); i++ {
		added := def.MaybeAddController(&domain.Controller{
			Type:     domain.ControllerPCI,
			Index:    uint(i),
			PCIModel: set.Bus(i).Model,
		})
		if !added {
			continue
		}
		slog.Debug("added PCI controller", "index", i, "model", set.Bus(i).Model.String())
		// The new bridge needs a slot of its own.
		if _, err := set.ReserveNextSlot(nil, pci.PCIDevice); err != nil {
			return 0, err
		}
	}
	return set.NumBuses(), nil
}

// usb2Function returns the function an ICH9 USB2 companion takes in the
// slot it shares with its siblings.
func usb2Function(m domain.USBModel) (uint8, domain.Tristate) {
	switch m {
	case domain.USBModelICH9EHCI1:
		return 7, domain.TristateAbsent
	case domain.USBModelICH9UHCI1:
		return 0, domain.TristateOn
	case domain.USBModelICH9UHCI2:
		return 1, domain.TristateAbsent
	case domain.USBModelICH9UHCI3:
		return 2, domain.TristateAbsent
	}
	return 0, domain.TristateAbsent
}

func isUSB2Controller(c *domain.Controller) bool {
	return c.Type == domain.ControllerUSB && c.USBModel.IsUSB2Companion()
}

// assignUSB2Companion puts c in the slot of its already placed siblings,
// or takes a new slot for the group.
func assignUSB2Companion(def *domain.Def, set *pci.AddressSet, c *domain.Controller) error {
	var (
		addr  domain.PCIAddress
		found bool
	)
	for _, sib := range def.Controllers {
		if isUSB2Controller(sib) && sib.Index == c.Index && sib.Info.Type == domain.AddressPCI {
			addr = sib.Info.PCI
			found = true
			break
		}
	}

	fn, multi := usb2Function(c.USBModel)
	addr.Function = fn

	if !found {
		slot, err := set.GetNextSlot(defaultFlags)
		if err != nil {
			return err
		}
		addr.Bus = slot.Bus
		addr.Slot = slot.Slot
		set.SetLastAddr(addr)
	}
	if err := set.ReserveAddr(addr, defaultFlags, false, found); err != nil {
		return err
	}

	c.Info.Type = domain.AddressPCI
	c.Info.PCI = addr
	c.Info.Multifunction = multi
	return nil
}

// assignDeviceSlots hands out slots to every address-less device that
// needs one, in a fixed order so guests keep stable addresses.
func (a *Addresses) assignDeviceSlots(set *pci.AddressSet) error {
	def := a.def

	next := func(info *domain.DeviceInfo, flags pci.ConnectFlags) error {
		_, err := set.ReserveNextSlot(info, flags)
		return err
	}

	for _, c := range def.Controllers {
		if c.Type != domain.ControllerPCI || c.Info.Type != domain.AddressNone {
			continue
		}
		flags, err := pci.ModelToConnectFlags(c.PCIModel)
		if err != nil {
			return err
		}
		if flags == 0 {
			// Root buses are part of the machine.
			continue
		}
		if err := next(&c.Info, flags); err != nil {
			return err
		}
	}

	for _, kind := range []domain.DeviceKind{domain.DeviceFilesystem, domain.DeviceNet, domain.DeviceSound} {
		for _, dev := range def.DevicesOfKind(kind) {
			if dev.Info.Type != domain.AddressNone || !needsPCISlot(dev) {
				continue
			}
			if err := next(&dev.Info, defaultFlags); err != nil {
				return err
			}
		}
	}

	for _, c := range def.Controllers {
		switch {
		case c.Type == domain.ControllerPCI,
			c.Type == domain.ControllerUSB && c.USBModel == domain.USBModelNone,
			c.Type == domain.ControllerFDC, c.Type == domain.ControllerCCID,
			c.Type == domain.ControllerIDE && c.Index == 0,
			c.Info.Type != domain.AddressNone:
			continue
		}
		if isUSB2Controller(c) {
			if err := assignUSB2Companion(def, set, c); err != nil {
				return err
			}
			continue
		}
		if err := next(&c.Info, defaultFlags); err != nil {
			return err
		}
	}

	for _, dev := range def.DevicesOfKind(domain.DeviceDisk) {
		if dev.Bus != busVirtio {
			continue
		}
		switch dev.Info.Type {
		case domain.AddressNone:
		case domain.AddressPCI, domain.AddressCCW:
			continue
		case domain.AddressVirtioMMIO:
			if a.opts.VirtioMMIO {
				continue
			}
			fallthrough
		default:
			return domain.ConfigErrorf("virtio disk cannot have an address of type '%s'", dev.Info.Type)
		}
		if err := next(&dev.Info, defaultFlags); err != nil {
			return err
		}
	}

	for _, kind := range []domain.DeviceKind{domain.DeviceHostdev, domain.DeviceMemballoon,
		domain.DeviceRNG, domain.DeviceWatchdog} {
		for _, dev := range def.DevicesOfKind(kind) {
			if dev.Info.Type != domain.AddressNone || !needsPCISlot(dev) {
				continue
			}
			if err := next(&dev.Info, defaultFlags); err != nil {
				return err
			}
		}
	}

	videos := def.DevicesOfKind(domain.DeviceVideo)
	for i, dev := range videos {
		if i > 0 && dev.Model != modelQXL {
			return domain.ConfigErrorf("non-primary video device must be type of 'qxl'")
		}
		if dev.Info.Type != domain.AddressNone {
			continue
		}
		if err := next(&dev.Info, defaultFlags); err != nil {
			return err
		}
	}

	for _, kind := range []domain.DeviceKind{domain.DeviceShmem, domain.DeviceInput, domain.DeviceSerial} {
		for _, dev := range def.DevicesOfKind(kind) {
			if dev.Info.Type != domain.AddressNone || !needsPCISlot(dev) {
				continue
			}
			if err := next(&dev.Info, defaultFlags); err != nil {
				return err
			}
		}
	}
	return nil
}
