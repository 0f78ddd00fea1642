package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// AddressType is the kind of bus address a device carries.
type AddressType int

const (
	AddressNone AddressType = iota
	AddressPCI
	AddressUSB
	AddressCCW
	AddressVirtioSerial
	AddressDrive
	AddressISA
	AddressVirtioMMIO
	AddressSpaprVIO
	AddressOther
)

var addressTypeNames = map[AddressType]string{
	AddressNone:         "none",
	AddressPCI:          "pci",
	AddressUSB:          "usb",
	AddressCCW:          "ccw",
	AddressVirtioSerial: "virtio-serial",
	AddressDrive:        "drive",
	AddressISA:          "isa",
	AddressVirtioMMIO:   "virtio-mmio",
	AddressSpaprVIO:     "spapr-vio",
	AddressOther:        "other",
}

func (t AddressType) String() string {
	if name, ok := addressTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("AddressType(%d)", int(t))
}

// ParseAddressType maps the configuration name of an address type.
func ParseAddressType(s string) (AddressType, error) {
	if s == "" {
		return AddressNone, nil
	}
	for t, name := range addressTypeNames {
		if name == s {
			return t, nil
		}
	}
	return AddressNone, ConfigErrorf("unknown address type %q", s)
}

// Tristate is an optional on/off switch.
type Tristate int

const (
	TristateAbsent Tristate = iota
	TristateOn
	TristateOff
)

func (t Tristate) String() string {
	switch t {
	case TristateOn:
		return "on"
	case TristateOff:
		return "off"
	default:
		return ""
	}
}

// ParseTristate accepts "", "on" and "off".
func ParseTristate(s string) (Tristate, error) {
	switch s {
	case "":
		return TristateAbsent, nil
	case "on":
		return TristateOn, nil
	case "off":
		return TristateOff, nil
	}
	return TristateAbsent, ConfigErrorf("invalid on/off value %q", s)
}

const (
	PCISlotLast     = 31
	PCIFunctionLast = 7
)

// PCIAddress is a domain:bus:slot.function tuple.
type PCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// String formats the address as DDDD:BB:SS.F.
func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// IsZero reports whether no component of the address is set.
func (a PCIAddress) IsZero() bool {
	return a == PCIAddress{}
}

// ParsePCIAddress parses DDDD:BB:SS.F or BB:SS.F (hex components).
func ParsePCIAddress(s string) (PCIAddress, error) {
	var addr PCIAddress

	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2:
		parts = append([]string{"0"}, parts...)
	case 3:
	default:
		return addr, ConfigErrorf("invalid PCI address %q", s)
	}
	slotFn := strings.SplitN(parts[2], ".", 2)
	if len(slotFn) != 2 {
		return addr, ConfigErrorf("invalid PCI address %q: missing function", s)
	}

	dom, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return addr, ConfigErrorf("invalid PCI domain in %q: %v", s, err)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return addr, ConfigErrorf("invalid PCI bus in %q: %v", s, err)
	}
	slot, err := strconv.ParseUint(slotFn[0], 16, 8)
	if err != nil || slot > PCISlotLast {
		return addr, ConfigErrorf("invalid PCI slot in %q", s)
	}
	fn, err := strconv.ParseUint(slotFn[1], 16, 8)
	if err != nil || fn > PCIFunctionLast {
		return addr, ConfigErrorf("invalid PCI function in %q", s)
	}

	addr.Domain = uint16(dom)
	addr.Bus = uint8(bus)
	addr.Slot = uint8(slot)
	addr.Function = uint8(fn)
	return addr, nil
}

// MaxUSBPortDepth bounds the number of hubs between a controller and a
// device.
const MaxUSBPortDepth = 4

// USBPortPath is a sequence of 1-based port numbers, terminated by the first
// zero entry.
type USBPortPath [MaxUSBPortDepth]uint

// Valid reports whether the path names at least one port.
func (p USBPortPath) Valid() bool {
	return p[0] != 0
}

// Len returns the number of ports in the path.
func (p USBPortPath) Len() int {
	for i, port := range p {
		if port == 0 {
			return i
		}
	}
	return MaxUSBPortDepth
}

// LastIndex returns the index of the last non-zero element, or 0.
func (p USBPortPath) LastIndex() int {
	i := MaxUSBPortDepth - 1
	for ; i > 0; i-- {
		if p[i] != 0 {
			break
		}
	}
	return i
}

// String joins the ports with dots, e.g. "1.4.2".
func (p USBPortPath) String() string {
	var sb strings.Builder
	for i, port := range p {
		if port == 0 {
			break
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.FormatUint(uint64(port), 10))
	}
	return sb.String()
}

// ParseUSBPortPath parses a dotted port path. The empty string yields an
// unassigned path.
func ParseUSBPortPath(s string) (USBPortPath, error) {
	var path USBPortPath
	if s == "" {
		return path, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) > MaxUSBPortDepth {
		return path, ConfigErrorf("USB port path %q is deeper than %d", s, MaxUSBPortDepth)
	}
	for i, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil || v == 0 {
			return path, ConfigErrorf("invalid USB port %q in %q", part, s)
		}
		path[i] = uint(v)
	}
	return path, nil
}

// USBAddress is a controller index plus a port path below it.
type USBAddress struct {
	Bus  uint
	Port USBPortPath
}

func (a USBAddress) String() string {
	return fmt.Sprintf("%d:%s", a.Bus, a.Port)
}

const (
	// CCWCSSIDVirtio is the channel subsystem used for virtio-ccw devices.
	CCWCSSIDVirtio = 0xfe
	CCWMaxSSID     = 3
	CCWMaxDevno    = 0xffff
)

// CCWAddress is a channel-attached device number.
type CCWAddress struct {
	CSSID    uint8
	SSID     uint8
	Devno    uint16
	Assigned bool
}

// String formats the address as cssid.ssid.devno in hex.
func (a CCWAddress) String() string {
	return fmt.Sprintf("%x.%x.%04x", a.CSSID, a.SSID, a.Devno)
}

// ParseCCWAddress parses cssid.ssid.devno (hex). The result is marked
// assigned.
func ParseCCWAddress(s string) (CCWAddress, error) {
	var addr CCWAddress
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return addr, ConfigErrorf("invalid CCW address %q", s)
	}
	cssid, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 8)
	if err != nil {
		return addr, ConfigErrorf("invalid CCW cssid in %q: %v", s, err)
	}
	ssid, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 8)
	if err != nil || ssid > CCWMaxSSID {
		return addr, ConfigErrorf("invalid CCW ssid in %q", s)
	}
	devno, err := strconv.ParseUint(strings.TrimPrefix(parts[2], "0x"), 16, 16)
	if err != nil {
		return addr, ConfigErrorf("invalid CCW devno in %q: %v", s, err)
	}
	addr.CSSID = uint8(cssid)
	addr.SSID = uint8(ssid)
	addr.Devno = uint16(devno)
	addr.Assigned = true
	return addr, nil
}

// VirtioSerialAddress is a controller/port pair. Bus is always 0.
type VirtioSerialAddress struct {
	Controller uint
	Bus        uint8
	Port       uint
}

// SpaprVIOAddress is the register of a device on the pseries VIO bus.
type SpaprVIOAddress struct {
	Reg    uint64
	HasReg bool
}

func (a SpaprVIOAddress) String() string {
	return fmt.Sprintf("%#x", a.Reg)
}

// ParseSpaprVIOReg parses a register value in hex (0x prefix optional).
func ParseSpaprVIOReg(s string) (SpaprVIOAddress, error) {
	reg, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	if err != nil {
		return SpaprVIOAddress{}, ConfigErrorf("invalid spapr-vio reg %q", s)
	}
	return SpaprVIOAddress{Reg: reg, HasReg: true}, nil
}

// DeviceInfo holds the address of a device, controller or hub.
type DeviceInfo struct {
	Alias string
	Type  AddressType

	PCI           PCIAddress
	Multifunction Tristate
	USB           USBAddress
	CCW           CCWAddress
	VirtioSerial  VirtioSerialAddress
	SpaprVIO      SpaprVIOAddress
}

// HasPCIAddress reports whether the info carries a non-empty PCI address.
func (i *DeviceInfo) HasPCIAddress() bool {
	return i.Type == AddressPCI && !i.PCI.IsZero()
}

// AddressString renders the address in its canonical form, or "-" when
// there is none.
func (i *DeviceInfo) AddressString() string {
	switch i.Type {
	case AddressPCI:
		return i.PCI.String()
	case AddressUSB:
		if !i.USB.Port.Valid() {
			return fmt.Sprintf("usb bus %d", i.USB.Bus)
		}
		return fmt.Sprintf("usb %d:%s", i.USB.Bus, i.USB.Port)
	case AddressCCW:
		if !i.CCW.Assigned {
			return "ccw"
		}
		return i.CCW.String()
	case AddressVirtioSerial:
		return fmt.Sprintf("controller %d port %d", i.VirtioSerial.Controller, i.VirtioSerial.Port)
	case AddressSpaprVIO:
		if !i.SpaprVIO.HasReg {
			return "spapr-vio"
		}
		return "spapr-vio " + i.SpaprVIO.String()
	case AddressNone:
		return "-"
	default:
		return i.Type.String()
	}
}
