package placement

import (
	"log/slog"
	"strings"

	"github.com/tinyrange/vmaddr/internal/addrspace/ccw"
	"github.com/tinyrange/vmaddr/internal/addrspace/vioserial"
	"github.com/tinyrange/vmaddr/internal/domain"
)

func (a *Addresses) assignVirtioSerial() error {
	set, err := vioserial.NewAddressSetFromDomain(a.def)
	if err != nil {
		return err
	}
	slog.Debug("reserved existing virtio-serial ports", "controllers", len(set.Controllers()))

	// Consoles first so one of them can take port 0.
	for _, dev := range a.def.Devices {
		if !isVirtioConsole(dev) || vioserial.IsComplete(&dev.Info) {
			continue
		}
		if err := set.AutoAssign(a.def, &dev.Info, true); err != nil {
			return err
		}
	}
	for _, dev := range a.def.Devices {
		if !isVirtioChannel(dev) || vioserial.IsComplete(&dev.Info) {
			continue
		}
		if err := set.AutoAssign(a.def, &dev.Info, false); err != nil {
			return err
		}
	}

	a.VirtioSerial = set
	return nil
}

// primeVirtioAddresses moves address-less virtio devices onto a transport
// of type t. Filesystems only follow on CCW.
func primeVirtioAddresses(def *domain.Def, t domain.AddressType) {
	for _, dev := range def.Devices {
		if dev.Info.Type != domain.AddressNone {
			continue
		}
		if isVirtioDevice(dev) || (t == domain.AddressCCW && dev.Kind == domain.DeviceFilesystem) {
			dev.Info.Type = t
		}
	}
	for _, c := range def.Controllers {
		if c.Info.Type != domain.AddressNone {
			continue
		}
		if c.Type == domain.ControllerVirtioSerial || c.Type == domain.ControllerSCSI {
			c.Info.Type = t
		}
	}
}

// assignS390 gives every CCW device of an s390-ccw machine a devno. Explicit
// devnos are collected before any is handed out.
func (a *Addresses) assignS390() error {
	if !a.def.IsS390CCW() || !a.opts.VirtioCCW {
		return nil
	}
	primeVirtioAddresses(a.def, domain.AddressCCW)

	set := ccw.NewAddressSet()
	err := a.def.ForEachInfo(func(_ domain.Entry, info *domain.DeviceInfo) error {
		return set.Validate(info)
	})
	if err != nil {
		return err
	}
	err = a.def.ForEachInfo(func(_ domain.Entry, info *domain.DeviceInfo) error {
		return set.Allocate(info)
	})
	if err != nil {
		return err
	}

	a.CCW = set
	return nil
}

func (a *Addresses) assignVirtioMMIO() error {
	if !a.def.IsARM() || !a.opts.VirtioMMIO {
		return nil
	}
	if strings.HasPrefix(a.def.Machine, "vexpress-") || a.def.IsARMVirt() {
		primeVirtioAddresses(a.def, domain.AddressVirtioMMIO)
	}
	return nil
}
