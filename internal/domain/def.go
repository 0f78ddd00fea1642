package domain

import (
	"fmt"
	"strings"
)

// DeviceKind identifies what a Device is.
type DeviceKind int

const (
	DeviceDisk DeviceKind = iota
	DeviceNet
	DeviceSound
	DeviceVideo
	DeviceHostdev
	DeviceFilesystem
	DeviceWatchdog
	DeviceMemballoon
	DeviceRNG
	DeviceShmem
	DeviceInput
	DeviceSerial
	DeviceConsole
	DeviceChannel
	DeviceRedirdev
	DeviceNVRAM
)

var deviceKindNames = [...]string{
	DeviceDisk:       "disk",
	DeviceNet:        "net",
	DeviceSound:      "sound",
	DeviceVideo:      "video",
	DeviceHostdev:    "hostdev",
	DeviceFilesystem: "filesystem",
	DeviceWatchdog:   "watchdog",
	DeviceMemballoon: "memballoon",
	DeviceRNG:        "rng",
	DeviceShmem:      "shmem",
	DeviceInput:      "input",
	DeviceSerial:     "serial",
	DeviceConsole:    "console",
	DeviceChannel:    "channel",
	DeviceRedirdev:   "redirdev",
	DeviceNVRAM:      "nvram",
}

func (k DeviceKind) String() string {
	if int(k) >= 0 && int(k) < len(deviceKindNames) {
		return deviceKindNames[k]
	}
	return fmt.Sprintf("DeviceKind(%d)", int(k))
}

// ParseDeviceKind maps a configuration name to a DeviceKind.
func ParseDeviceKind(s string) (DeviceKind, error) {
	for i, name := range deviceKindNames {
		if name == s {
			return DeviceKind(i), nil
		}
	}
	return 0, ConfigErrorf("unknown device kind %q", s)
}

// Device is any non-controller, non-hub device of a domain.
type Device struct {
	Kind DeviceKind
	// Bus is the bus the device attaches through: the target bus of disks
	// and inputs, the target type of serials, consoles and channels, the
	// subsystem type of host devices.
	Bus string
	// Model is the device model (net, sound, video, memballoon, rng,
	// watchdog).
	Model string

	Info DeviceInfo
}

// Def is the parsed domain definition the address allocators operate on.
type Def struct {
	Name    string
	Arch    string
	Machine string

	Controllers []*Controller
	Hubs        []*Hub
	Devices     []*Device
}

// Entry is one addressable element of a Def. Exactly one field is set.
type Entry struct {
	Controller *Controller
	Hub        *Hub
	Device     *Device
}

// Info returns the address info of the element.
func (e Entry) Info() *DeviceInfo {
	switch {
	case e.Controller != nil:
		return &e.Controller.Info
	case e.Hub != nil:
		return &e.Hub.Info
	case e.Device != nil:
		return &e.Device.Info
	}
	return nil
}

// Describe names the element for log and error messages.
func (e Entry) Describe() string {
	info := e.Info()
	if info != nil && info.Alias != "" {
		return info.Alias
	}
	switch {
	case e.Controller != nil:
		return fmt.Sprintf("%s controller %d", e.Controller.Type, e.Controller.Index)
	case e.Hub != nil:
		return "usb hub"
	case e.Device != nil:
		return e.Device.Kind.String()
	}
	return "unknown"
}

// Entries lists controllers, hubs and devices in that order.
func (d *Def) Entries() []Entry {
	entries := make([]Entry, 0, len(d.Controllers)+len(d.Hubs)+len(d.Devices))
	for _, c := range d.Controllers {
		entries = append(entries, Entry{Controller: c})
	}
	for _, h := range d.Hubs {
		entries = append(entries, Entry{Hub: h})
	}
	for _, dev := range d.Devices {
		entries = append(entries, Entry{Device: dev})
	}
	return entries
}

// ForEachInfo calls fn for every element, stopping at the first error.
func (d *Def) ForEachInfo(fn func(Entry, *DeviceInfo) error) error {
	for _, e := range d.Entries() {
		if err := fn(e, e.Info()); err != nil {
			return err
		}
	}
	return nil
}

// FindController returns the position of the controller with the given type
// and index in d.Controllers, or -1.
func (d *Def) FindController(t ControllerType, idx uint) int {
	for i, c := range d.Controllers {
		if c.Type == t && c.Index == idx {
			return i
		}
	}
	return -1
}

// MaybeAddController appends c unless a controller of the same type and
// index already exists. It reports whether c was added.
func (d *Def) MaybeAddController(c *Controller) bool {
	if d.FindController(c.Type, c.Index) >= 0 {
		return false
	}
	d.Controllers = append(d.Controllers, c)
	return true
}

// DevicesOfKind returns the devices of kind k in document order.
func (d *Def) DevicesOfKind(k DeviceKind) []*Device {
	var out []*Device
	for _, dev := range d.Devices {
		if dev.Kind == k {
			out = append(out, dev)
		}
	}
	return out
}

// IsI440FX reports whether the machine type is a pc (PIIX3) chipset.
func (d *Def) IsI440FX() bool {
	return d.Machine == "pc" ||
		strings.HasPrefix(d.Machine, "pc-0.") ||
		strings.HasPrefix(d.Machine, "pc-1.") ||
		strings.HasPrefix(d.Machine, "pc-i440") ||
		strings.HasPrefix(d.Machine, "rhel")
}

// IsQ35 reports whether the machine type is a q35 (ICH9) chipset.
func (d *Def) IsQ35() bool {
	return strings.HasPrefix(d.Machine, "pc-q35") || d.Machine == "q35"
}

// IsS390CCW reports whether the machine uses the CCW transport.
func (d *Def) IsS390CCW() bool {
	return strings.HasPrefix(d.Machine, "s390-ccw")
}

// IsX86 reports whether the guest architecture is x86. An unset
// architecture counts as x86_64.
func (d *Def) IsX86() bool {
	switch d.Arch {
	case "", "x86_64", "i686":
		return true
	}
	return false
}

// IsPPC64 reports whether the guest architecture is 64 bit POWER.
func (d *Def) IsPPC64() bool {
	return d.Arch == "ppc64" || d.Arch == "ppc64le"
}

// IsPSeries reports whether the machine is a POWER pseries guest.
func (d *Def) IsPSeries() bool {
	return d.IsPPC64() && strings.HasPrefix(d.Machine, "pseries")
}

// IsARM reports whether the guest architecture is 32 or 64 bit ARM.
func (d *Def) IsARM() bool {
	return d.Arch == "armv7l" || d.Arch == "aarch64"
}

// IsARMVirt reports whether the machine is the generic ARM virt board.
func (d *Def) IsARMVirt() bool {
	return d.Machine == "virt" || strings.HasPrefix(d.Machine, "virt-")
}
