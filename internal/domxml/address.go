package domxml

import (
	"github.com/tinyrange/vmaddr/internal/domain"
	"libvirt.org/go/libvirtxml"
)

func deref(p *uint) uint {
	if p == nil {
		return 0
	}
	return *p
}

func ptr(v uint) *uint {
	return &v
}

// readAddress fills info from an XML address element.
func readAddress(info *domain.DeviceInfo, a *libvirtxml.DomainAddress) error {
	switch {
	case a == nil:
		info.Type = domain.AddressNone
	case a.PCI != nil:
		info.Type = domain.AddressPCI
		dom, bus, slot, fn := deref(a.PCI.Domain), deref(a.PCI.Bus), deref(a.PCI.Slot), deref(a.PCI.Function)
		if dom > 0xffff || bus > 0xff || slot > domain.PCISlotLast || fn > domain.PCIFunctionLast {
			return domain.ConfigErrorf("invalid PCI address %04x:%02x:%02x.%x", dom, bus, slot, fn)
		}
		info.PCI = domain.PCIAddress{Domain: uint16(dom), Bus: uint8(bus), Slot: uint8(slot), Function: uint8(fn)}
		mf, err := domain.ParseTristate(a.PCI.MultiFunction)
		if err != nil {
			return err
		}
		info.Multifunction = mf
	case a.USB != nil:
		info.Type = domain.AddressUSB
		port, err := domain.ParseUSBPortPath(a.USB.Port)
		if err != nil {
			return err
		}
		info.USB = domain.USBAddress{Bus: deref(a.USB.Bus), Port: port}
	case a.CCW != nil:
		info.Type = domain.AddressCCW
		cssid, ssid, devno := deref(a.CCW.CSSID), deref(a.CCW.SSID), deref(a.CCW.DevNo)
		if cssid > 0xff || ssid > domain.CCWMaxSSID || devno > domain.CCWMaxDevno {
			return domain.ConfigErrorf("invalid CCW address %x.%x.%04x", cssid, ssid, devno)
		}
		if a.CCW.CSSID != nil && a.CCW.SSID != nil && a.CCW.DevNo != nil {
			info.CCW = domain.CCWAddress{CSSID: uint8(cssid), SSID: uint8(ssid), Devno: uint16(devno), Assigned: true}
		}
	case a.VirtioSerial != nil:
		info.Type = domain.AddressVirtioSerial
		info.VirtioSerial = domain.VirtioSerialAddress{
			Controller: deref(a.VirtioSerial.Controller),
			Port:       deref(a.VirtioSerial.Port),
		}
	case a.SpaprVIO != nil:
		info.Type = domain.AddressSpaprVIO
		if a.SpaprVIO.Reg != nil {
			info.SpaprVIO = domain.SpaprVIOAddress{Reg: *a.SpaprVIO.Reg, HasReg: true}
		}
	case a.Drive != nil:
		info.Type = domain.AddressDrive
	case a.ISA != nil:
		info.Type = domain.AddressISA
	case a.VirtioMMIO != nil:
		info.Type = domain.AddressVirtioMMIO
	default:
		info.Type = domain.AddressOther
	}
	return nil
}

// writeAddress renders info as an XML address. Address kinds placement
// does not model keep the element they were read from.
func writeAddress(info *domain.DeviceInfo, orig *libvirtxml.DomainAddress) *libvirtxml.DomainAddress {
	switch info.Type {
	case domain.AddressNone:
		return nil
	case domain.AddressPCI:
		return &libvirtxml.DomainAddress{PCI: &libvirtxml.DomainAddressPCI{
			Domain:        ptr(uint(info.PCI.Domain)),
			Bus:           ptr(uint(info.PCI.Bus)),
			Slot:          ptr(uint(info.PCI.Slot)),
			Function:      ptr(uint(info.PCI.Function)),
			MultiFunction: info.Multifunction.String(),
		}}
	case domain.AddressUSB:
		usb := &libvirtxml.DomainAddressUSB{Bus: ptr(info.USB.Bus)}
		if info.USB.Port.Valid() {
			usb.Port = info.USB.Port.String()
		}
		return &libvirtxml.DomainAddress{USB: usb}
	case domain.AddressCCW:
		if !info.CCW.Assigned {
			return &libvirtxml.DomainAddress{CCW: &libvirtxml.DomainAddressCCW{}}
		}
		return &libvirtxml.DomainAddress{CCW: &libvirtxml.DomainAddressCCW{
			CSSID: ptr(uint(info.CCW.CSSID)),
			SSID:  ptr(uint(info.CCW.SSID)),
			DevNo: ptr(uint(info.CCW.Devno)),
		}}
	case domain.AddressVirtioSerial:
		return &libvirtxml.DomainAddress{VirtioSerial: &libvirtxml.DomainAddressVirtioSerial{
			Controller: ptr(info.VirtioSerial.Controller),
			Bus:        ptr(uint(info.VirtioSerial.Bus)),
			Port:       ptr(info.VirtioSerial.Port),
		}}
	case domain.AddressSpaprVIO:
		vio := &libvirtxml.DomainAddressSpaprVIO{}
		if info.SpaprVIO.HasReg {
			reg := info.SpaprVIO.Reg
			vio.Reg = &reg
		}
		return &libvirtxml.DomainAddress{SpaprVIO: vio}
	case domain.AddressVirtioMMIO:
		if orig != nil && orig.VirtioMMIO != nil {
			return orig
		}
		return &libvirtxml.DomainAddress{VirtioMMIO: &libvirtxml.DomainAddressVirtioMMIO{}}
	default:
		return orig
	}
}
