package placement

import (
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/addrspace/pci"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// validateChipsets pins the devices built into the i440fx and q35 chipsets
// to their fixed addresses.
func (a *Addresses) validateChipsets(set *pci.AddressSet) error {
	switch {
	case a.def.IsI440FX():
		return a.validatePIIX3(set)
	case a.def.IsQ35():
		return a.validateQ35(set)
	}
	return nil
}

// pinController gives c the fixed address want, or fails if the
// configuration put it elsewhere.
func pinController(c *domain.Controller, want domain.PCIAddress, what string) error {
	if c.Info.Type == domain.AddressPCI {
		if c.Info.PCI != want {
			return domain.InternalErrorf("%s must have PCI address %d:%d:%x.%d",
				what, want.Domain, want.Bus, want.Slot, want.Function)
		}
		return nil
	}
	c.Info.Type = domain.AddressPCI
	c.Info.PCI = want
	return nil
}

func (a *Addresses) validatePIIX3(set *pci.AddressSet) error {
	for _, c := range a.def.Controllers {
		if c.Index != 0 {
			continue
		}
		switch {
		case c.Type == domain.ControllerIDE:
			if err := pinController(c, domain.PCIAddress{Slot: 1, Function: 1}, "Primary IDE controller"); err != nil {
				return err
			}
		case c.Type == domain.ControllerUSB &&
			(c.USBModel == domain.USBModelPIIX3UHCI || c.USBModel == domain.USBModelDefault):
			if err := pinController(c, domain.PCIAddress{Slot: 1, Function: 2}, "PIIX3 USB controller"); err != nil {
				return err
			}
		}
	}

	// The PIIX3 is a multifunction device in slot 1.
	if set.NumBuses() > 0 {
		if err := set.ReserveSlot(domain.PCIAddress{Slot: 1}, defaultFlags); err != nil {
			return err
		}
	}
	return a.placePrimaryVideo(set, 2, defaultFlags)
}

func (a *Addresses) validateQ35(set *pci.AddressSet) error {
	const flags = pci.PCIeDevice

	for _, c := range a.def.Controllers {
		switch c.Type {
		case domain.ControllerSATA:
			if c.Index != 0 {
				continue
			}
			if err := pinController(c, domain.PCIAddress{Slot: 0x1f, Function: 2}, "Primary SATA controller"); err != nil {
				return err
			}

		case domain.ControllerUSB:
			if c.USBModel != domain.USBModelICH9UHCI1 || c.Info.Type != domain.AddressNone {
				continue
			}
			// The first USB2 set goes to 1D and the second to 1A, where
			// real hardware has them. Anything later is placed normally.
			addr := domain.PCIAddress{Slot: 0x1d}
			if set.SlotInUse(addr) {
				addr.Slot = 0x1a
				if set.SlotInUse(addr) {
					continue
				}
			}
			if err := set.ReserveAddr(addr, flags, false, true); err != nil {
				return err
			}
			c.Info.Type = domain.AddressPCI
			c.Info.PCI = addr
			c.Info.Multifunction = domain.TristateOn

		case domain.ControllerPCI:
			if c.PCIModel != domain.PCIModelDMIToPCIBridge || c.Info.Type != domain.AddressNone {
				continue
			}
			addr := domain.PCIAddress{Slot: 0x1e}
			if set.SlotInUse(addr) {
				continue
			}
			if err := set.ReserveAddr(addr, flags, true, false); err != nil {
				return err
			}
			c.Info.Type = domain.AddressPCI
			c.Info.PCI = addr
		}
	}

	// The ISA bridge (1f.0) and SMBus (1f.3) are always present.
	if set.NumBuses() > 0 {
		for _, fn := range []uint8{0, 3} {
			if err := set.ReserveAddr(domain.PCIAddress{Slot: 0x1f, Function: fn}, flags, false, false); err != nil {
				return err
			}
		}
	}
	return a.placePrimaryVideo(set, 1, flags)
}

// placePrimaryVideo puts the first video card in the slot the chipset's
// firmware expects it in.
func (a *Addresses) placePrimaryVideo(set *pci.AddressSet, slot uint8, flags pci.ConnectFlags) error {
	want := domain.PCIAddress{Slot: slot}

	videos := a.def.DevicesOfKind(domain.DeviceVideo)
	if len(videos) == 0 {
		if set.NumBuses() == 0 || a.opts.VideoPrimary {
			return nil
		}
		// Keep the slot free for a video card added later.
		if set.SlotInUse(want) {
			slog.Debug("PCI address in use, a video device added later will need an explicit address",
				"addr", want.String())
			return nil
		}
		return set.ReserveSlot(want, flags)
	}

	primary := videos[0]
	if primary.Info.Type == domain.AddressPCI {
		// Already reserved while collecting.
		if !a.opts.VideoPrimary && primary.Info.PCI != want {
			return domain.InternalErrorf("Primary video card must have PCI address 0:0:%d.0", slot)
		}
		return nil
	}

	if err := set.Validate(want, flags, false); err != nil {
		return err
	}
	if set.SlotInUse(want) {
		if !a.opts.VideoPrimary {
			return domain.InternalErrorf("PCI address 0:0:%d.0 is in use, the hypervisor needs it for primary video", slot)
		}
		_, err := set.ReserveNextSlot(&primary.Info, flags)
		return err
	}
	if err := set.ReserveSlot(want, flags); err != nil {
		return err
	}
	primary.Info.Type = domain.AddressPCI
	primary.Info.PCI = want
	return nil
}
