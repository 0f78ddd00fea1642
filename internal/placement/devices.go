package placement

import "github.com/tinyrange/vmaddr/internal/domain"

// Bus and model names the placement rules key on.
const (
	busVirtio  = "virtio"
	busUSB     = "usb"
	busPCI     = "pci"
	busHostdev = "hostdev"

	modelVirtio   = "virtio"
	modelQXL      = "qxl"
	modelI6300ESB = "i6300esb"
)

func isVirtioConsole(dev *domain.Device) bool {
	return dev.Kind == domain.DeviceConsole && dev.Bus == busVirtio
}

func isVirtioChannel(dev *domain.Device) bool {
	return dev.Kind == domain.DeviceChannel && dev.Bus == busVirtio
}

// isVirtioDevice reports whether dev is one of the virtio devices that move
// to a non-PCI transport on machines that have one.
func isVirtioDevice(dev *domain.Device) bool {
	switch dev.Kind {
	case domain.DeviceDisk, domain.DeviceInput:
		return dev.Bus == busVirtio
	case domain.DeviceNet, domain.DeviceMemballoon, domain.DeviceRNG:
		return dev.Model == modelVirtio
	}
	return false
}

// isUSBDevice reports whether dev plugs into a USB port.
func isUSBDevice(dev *domain.Device) bool {
	if dev.Bus == busUSB {
		return true
	}
	return dev.Kind == domain.DeviceSound && dev.Model == busUSB
}

// needsPCISlot reports whether an address-less dev gets a PCI slot in the
// device pass. The primary video card is handled separately.
func needsPCISlot(dev *domain.Device) bool {
	switch dev.Kind {
	case domain.DeviceFilesystem, domain.DeviceShmem:
		return true
	case domain.DeviceNet:
		return dev.Bus != busHostdev
	case domain.DeviceSound:
		switch dev.Model {
		case "sb16", "pcspk", "usb":
			return false
		}
		return true
	case domain.DeviceDisk, domain.DeviceInput:
		return dev.Bus == busVirtio
	case domain.DeviceHostdev, domain.DeviceSerial:
		return dev.Bus == busPCI
	case domain.DeviceMemballoon, domain.DeviceRNG:
		return dev.Model == modelVirtio
	case domain.DeviceWatchdog:
		return dev.Model == modelI6300ESB
	}
	return false
}
