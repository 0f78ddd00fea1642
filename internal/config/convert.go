package config

import (
	"fmt"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// Def converts the file into a domain definition, checking every model and
// address string.
func (f *DomainFile) Def() (*domain.Def, error) {
	def := &domain.Def{Name: f.Name, Arch: f.Arch, Machine: f.Machine}
	if def.Machine == "" {
		return nil, domain.ConfigErrorf("machine type is required")
	}

	for i, cf := range f.Controllers {
		c, err := cf.controller()
		if err != nil {
			return nil, fmt.Errorf("controller %d: %w", i, err)
		}
		def.Controllers = append(def.Controllers, c)
	}
	for i, hf := range f.Hubs {
		if hf.Type != "usb" {
			return nil, fmt.Errorf("hub %d: %w", i, domain.ConfigErrorf("unknown hub type %q", hf.Type))
		}
		info, err := hf.Address.info(hf.Alias)
		if err != nil {
			return nil, fmt.Errorf("hub %d: %w", i, err)
		}
		def.Hubs = append(def.Hubs, &domain.Hub{Type: domain.HubUSB, Info: info})
	}
	for i, df := range f.Devices {
		kind, err := domain.ParseDeviceKind(df.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %d: %w", i, err)
		}
		info, err := df.Address.info(df.Alias)
		if err != nil {
			return nil, fmt.Errorf("device %d (%s): %w", i, df.Kind, err)
		}
		def.Devices = append(def.Devices, &domain.Device{Kind: kind, Bus: df.Bus, Model: df.Model, Info: info})
	}
	return def, nil
}

func (cf ControllerFile) controller() (*domain.Controller, error) {
	t, err := domain.ParseControllerType(cf.Type)
	if err != nil {
		return nil, err
	}
	if cf.Ports < 0 {
		return nil, domain.ConfigErrorf("ports must not be negative")
	}
	c := &domain.Controller{Type: t, Index: cf.Index, Ports: cf.Ports}

	switch t {
	case domain.ControllerPCI:
		switch {
		case cf.Model != "":
			c.PCIModel, err = domain.ParsePCIModel(cf.Model)
		case cf.Index == 0:
			c.PCIModel = domain.PCIModelPCIRoot
		default:
			c.PCIModel = domain.PCIModelPCIBridge
		}
	case domain.ControllerUSB:
		c.USBModel, err = domain.ParseUSBModel(cf.Model)
	default:
		c.Model = cf.Model
	}
	if err != nil {
		return nil, err
	}

	c.Info, err = cf.Address.info(cf.Alias)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// info parses a (possibly absent) address.
func (a *Address) info(alias string) (domain.DeviceInfo, error) {
	info := domain.DeviceInfo{Alias: alias}
	if a == nil {
		return info, nil
	}

	name := a.Type
	if name == "" {
		switch {
		case a.PCI != "":
			name = "pci"
		case a.USB != nil:
			name = "usb"
		case a.CCW != "":
			name = "ccw"
		case a.VirtioSerial != nil:
			name = "virtio-serial"
		case a.SpaprVIO != "":
			name = "spapr-vio"
		}
	}
	t, err := domain.ParseAddressType(name)
	if err != nil {
		return info, err
	}
	info.Type = t

	if info.Multifunction, err = domain.ParseTristate(a.Multifunction); err != nil {
		return info, err
	}

	switch t {
	case domain.AddressPCI:
		if a.PCI != "" {
			if info.PCI, err = domain.ParsePCIAddress(a.PCI); err != nil {
				return info, err
			}
		}
	case domain.AddressUSB:
		if a.USB != nil {
			info.USB.Bus = a.USB.Bus
			if info.USB.Port, err = domain.ParseUSBPortPath(a.USB.Port); err != nil {
				return info, err
			}
		}
	case domain.AddressCCW:
		if a.CCW != "" {
			if info.CCW, err = domain.ParseCCWAddress(a.CCW); err != nil {
				return info, err
			}
		}
	case domain.AddressVirtioSerial:
		if a.VirtioSerial != nil {
			info.VirtioSerial.Controller = a.VirtioSerial.Controller
			info.VirtioSerial.Port = a.VirtioSerial.Port
		}
	case domain.AddressSpaprVIO:
		if a.SpaprVIO != "" {
			if info.SpaprVIO, err = domain.ParseSpaprVIOReg(a.SpaprVIO); err != nil {
				return info, err
			}
		}
	}
	return info, nil
}

// FromDef converts a definition back into its file form.
func FromDef(def *domain.Def) *DomainFile {
	f := &DomainFile{Name: def.Name, Arch: def.Arch, Machine: def.Machine}
	for _, c := range def.Controllers {
		f.Controllers = append(f.Controllers, ControllerFile{
			Type:    c.Type.String(),
			Index:   c.Index,
			Model:   c.ModelString(),
			Ports:   c.Ports,
			Alias:   c.Info.Alias,
			Address: addressOf(&c.Info),
		})
	}
	for _, h := range def.Hubs {
		f.Hubs = append(f.Hubs, HubFile{Type: "usb", Alias: h.Info.Alias, Address: addressOf(&h.Info)})
	}
	for _, d := range def.Devices {
		f.Devices = append(f.Devices, DeviceFile{
			Kind:    d.Kind.String(),
			Alias:   d.Info.Alias,
			Bus:     d.Bus,
			Model:   d.Model,
			Address: addressOf(&d.Info),
		})
	}
	return f
}

func addressOf(info *domain.DeviceInfo) *Address {
	if info.Type == domain.AddressNone {
		return nil
	}
	a := &Address{Type: info.Type.String(), Multifunction: info.Multifunction.String()}
	switch info.Type {
	case domain.AddressPCI:
		a.PCI = info.PCI.String()
	case domain.AddressUSB:
		a.USB = &USBAddress{Bus: info.USB.Bus, Port: info.USB.Port.String()}
	case domain.AddressCCW:
		if info.CCW.Assigned {
			a.CCW = info.CCW.String()
		}
	case domain.AddressVirtioSerial:
		a.VirtioSerial = &VirtioSerialAddress{
			Controller: info.VirtioSerial.Controller,
			Port:       info.VirtioSerial.Port,
		}
	case domain.AddressSpaprVIO:
		if info.SpaprVIO.HasReg {
			a.SpaprVIO = info.SpaprVIO.String()
		}
	}
	return a
}
