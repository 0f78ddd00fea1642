package placement

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/addrspace/spaprvio"
	"github.com/tinyrange/vmaddr/internal/addrspace/usb"
	"github.com/tinyrange/vmaddr/internal/addrspace/vioserial"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// EnsureAddress gives an element being hot-plugged an address, or reserves
// the one it asks for. The element is not added to the definition; new usb
// and virtio-serial controllers are registered with their address sets.
func (a *Addresses) EnsureAddress(e domain.Entry) error {
	info := e.Info()
	if info == nil {
		return domain.InternalErrorf("nothing to address")
	}

	t := info.Type
	if t == domain.AddressNone {
		t = a.transportFor(e)
	}

	var err error
	switch t {
	case domain.AddressCCW:
		if a.CCW == nil {
			return domain.ConfigErrorf("cannot attach %s: the machine has no CCW bus", e.Describe())
		}
		info.Type = domain.AddressCCW
		if info.CCW.Assigned {
			err = a.CCW.Validate(info)
		} else {
			err = a.CCW.Allocate(info)
		}
	case domain.AddressVirtioSerial:
		if a.VirtioSerial == nil {
			a.VirtioSerial = vioserial.NewAddressSet()
		}
		err = a.VirtioSerial.AutoAssign(a.def, info, e.Device != nil && isVirtioConsole(e.Device))
	case domain.AddressSpaprVIO:
		if a.SpaprVIO == nil {
			a.SpaprVIO = spaprvio.NewAddressSet()
		}
		reg, ok := spaprVIODefaultReg(e)
		if !ok && !info.SpaprVIO.HasReg {
			return domain.ConfigErrorf("cannot attach %s: spapr-vio address has no reg", e.Describe())
		}
		err = a.SpaprVIO.Ensure(info, reg)
	case domain.AddressUSB:
		if a.USB == nil {
			a.USB = usb.NewAddressSet()
		}
		err = a.USB.Ensure(info)
	case domain.AddressPCI:
		if a.PCI == nil {
			return domain.ConfigErrorf("cannot attach %s: the machine has no PCI bus", e.Describe())
		}
		err = a.PCI.EnsureAddr(info)
	default:
		slog.Debug("address type needs no reservation", "device", e.Describe(), "type", t.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("addressing %s: %w", e.Describe(), err)
	}

	if c := e.Controller; c != nil {
		switch c.Type {
		case domain.ControllerUSB:
			if a.USB == nil {
				a.USB = usb.NewAddressSet()
			}
			err = a.USB.AddController(c)
		case domain.ControllerVirtioSerial:
			if a.VirtioSerial == nil {
				a.VirtioSerial = vioserial.NewAddressSet()
			}
			err = a.VirtioSerial.AddController(c)
		}
		if err != nil {
			return fmt.Errorf("registering %s: %w", e.Describe(), err)
		}
	}
	slog.Debug("ensured address", "device", e.Describe(), "addr", info.AddressString())
	return nil
}

// transportFor picks the bus an address-less element attaches through.
func (a *Addresses) transportFor(e domain.Entry) domain.AddressType {
	switch {
	case e.Hub != nil:
		return domain.AddressUSB
	case e.Device != nil:
		dev := e.Device
		switch {
		case isUSBDevice(dev):
			return domain.AddressUSB
		case isVirtioConsole(dev), isVirtioChannel(dev):
			return domain.AddressVirtioSerial
		}
	}
	if a.onSpaprVIO(e) {
		return domain.AddressSpaprVIO
	}
	if a.CCW != nil {
		return domain.AddressCCW
	}
	if e.Device != nil && !needsPCISlot(e.Device) && e.Device.Kind != domain.DeviceVideo {
		return domain.AddressNone
	}
	return domain.AddressPCI
}

// ReleaseAddress frees the address of a device being unplugged. name
// identifies the device in log messages and defaults to its alias. Every
// failure is logged and all of them are returned together.
func (a *Addresses) ReleaseAddress(info *domain.DeviceInfo, name string) error {
	if name == "" {
		name = info.Alias
	}

	var errs []error
	release := func(what string, fn func() error) {
		if err := fn(); err != nil {
			slog.Warn("unable to release address", "bus", what, "device", name, "err", err)
			errs = append(errs, fmt.Errorf("releasing %s address of %s: %w", what, name, err))
		}
	}

	switch {
	case info.Type == domain.AddressCCW && a.CCW != nil:
		release("CCW", func() error { return a.CCW.Release(info) })
	case info.Type == domain.AddressPCI && a.PCI != nil:
		release("PCI", func() error { return a.PCI.ReleaseSlot(info.PCI) })
	case info.Type == domain.AddressUSB && a.USB != nil:
		release("USB", func() error { return a.USB.Release(info) })
	case info.Type == domain.AddressSpaprVIO && a.SpaprVIO != nil:
		release("spapr-vio", func() error { return a.SpaprVIO.Release(info) })
	}
	if info.Type == domain.AddressVirtioSerial && a.VirtioSerial != nil {
		release("virtio-serial", func() error { return a.VirtioSerial.Release(info) })
	}
	return errors.Join(errs...)
}
