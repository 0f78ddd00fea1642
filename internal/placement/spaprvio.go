package placement

import (
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/addrspace/spaprvio"
	"github.com/tinyrange/vmaddr/internal/domain"
)

const (
	modelSpaprVLAN = "spapr-vlan"
	modelIBMVSCSI  = "ibmvscsi"
)

// onSpaprVIO reports whether an address-less element belongs on the pseries
// VIO bus. A scsi controller without a model is an ibmvscsi on pseries.
func (a *Addresses) onSpaprVIO(e domain.Entry) bool {
	pseries := a.def.IsPSeries()
	switch {
	case e.Controller != nil:
		c := e.Controller
		return c.Type == domain.ControllerSCSI && (c.Model == modelIBMVSCSI || (c.Model == "" && pseries))
	case e.Device != nil:
		dev := e.Device
		switch dev.Kind {
		case domain.DeviceNet:
			return dev.Model == modelSpaprVLAN
		case domain.DeviceSerial:
			return pseries && dev.Bus != busPCI && dev.Bus != busUSB
		case domain.DeviceNVRAM:
			return pseries
		}
	}
	return false
}

// spaprVIODefaultReg returns the first register tried for e. Elements of
// other kinds keep whatever register they were given.
func spaprVIODefaultReg(e domain.Entry) (uint64, bool) {
	switch {
	case e.Controller != nil:
		if e.Controller.Type == domain.ControllerSCSI {
			return spaprvio.RegSCSI, true
		}
	case e.Device != nil:
		switch e.Device.Kind {
		case domain.DeviceNet:
			return spaprvio.RegNet, true
		case domain.DeviceSerial:
			return spaprvio.RegSerial, true
		case domain.DeviceNVRAM:
			return spaprvio.RegNVRAM, true
		}
	}
	return 0, false
}

func (a *Addresses) assignSpaprVIO() error {
	def := a.def

	var order []domain.Entry
	for _, dev := range def.DevicesOfKind(domain.DeviceNet) {
		order = append(order, domain.Entry{Device: dev})
	}
	for _, c := range def.Controllers {
		order = append(order, domain.Entry{Controller: c})
	}
	for _, kind := range []domain.DeviceKind{domain.DeviceSerial, domain.DeviceNVRAM} {
		for _, dev := range def.DevicesOfKind(kind) {
			order = append(order, domain.Entry{Device: dev})
		}
	}

	for _, e := range order {
		if info := e.Info(); info.Type == domain.AddressNone && a.onSpaprVIO(e) {
			info.Type = domain.AddressSpaprVIO
		}
	}

	// Registers from the configuration are taken before any are assigned.
	set, err := spaprvio.NewAddressSetFromDomain(def)
	if err != nil {
		return err
	}
	for _, e := range order {
		info := e.Info()
		if info.Type != domain.AddressSpaprVIO || info.SpaprVIO.HasReg {
			continue
		}
		reg, ok := spaprVIODefaultReg(e)
		if !ok {
			continue
		}
		if err := set.Assign(info, reg); err != nil {
			return err
		}
	}

	if def.IsPSeries() || len(set.Regs()) > 0 {
		a.SpaprVIO = set
	}
	slog.Debug("placed spapr-vio devices", "regs", len(set.Regs()))
	return nil
}
