package domain

import "fmt"

// ControllerType is the kind of bus a controller provides.
type ControllerType int

const (
	ControllerIDE ControllerType = iota
	ControllerFDC
	ControllerSCSI
	ControllerSATA
	ControllerVirtioSerial
	ControllerCCID
	ControllerUSB
	ControllerPCI
)

var controllerTypeNames = [...]string{
	ControllerIDE:          "ide",
	ControllerFDC:          "fdc",
	ControllerSCSI:         "scsi",
	ControllerSATA:         "sata",
	ControllerVirtioSerial: "virtio-serial",
	ControllerCCID:         "ccid",
	ControllerUSB:          "usb",
	ControllerPCI:          "pci",
}

func (t ControllerType) String() string {
	if int(t) >= 0 && int(t) < len(controllerTypeNames) {
		return controllerTypeNames[t]
	}
	return fmt.Sprintf("ControllerType(%d)", int(t))
}

// ParseControllerType maps a configuration name to a ControllerType.
func ParseControllerType(s string) (ControllerType, error) {
	for i, name := range controllerTypeNames {
		if name == s {
			return ControllerType(i), nil
		}
	}
	return 0, ConfigErrorf("unknown controller type %q", s)
}

// PCIModel is the model of a PCI controller.
type PCIModel int

const (
	PCIModelPCIRoot PCIModel = iota
	PCIModelPCIeRoot
	PCIModelPCIBridge
	PCIModelDMIToPCIBridge
	PCIModelPCIeRootPort
	PCIModelPCIeSwitchUpstreamPort
	PCIModelPCIeSwitchDownstreamPort
	PCIModelPCIExpanderBus
	PCIModelPCIeExpanderBus

	// PCIModelLast is a sentinel; no controller may carry it.
	PCIModelLast
)

var pciModelNames = [...]string{
	PCIModelPCIRoot:                  "pci-root",
	PCIModelPCIeRoot:                 "pcie-root",
	PCIModelPCIBridge:                "pci-bridge",
	PCIModelDMIToPCIBridge:           "dmi-to-pci-bridge",
	PCIModelPCIeRootPort:             "pcie-root-port",
	PCIModelPCIeSwitchUpstreamPort:   "pcie-switch-upstream-port",
	PCIModelPCIeSwitchDownstreamPort: "pcie-switch-downstream-port",
	PCIModelPCIExpanderBus:           "pci-expander-bus",
	PCIModelPCIeExpanderBus:          "pcie-expander-bus",
}

func (m PCIModel) String() string {
	if m >= 0 && m < PCIModelLast {
		return pciModelNames[m]
	}
	return fmt.Sprintf("PCIModel(%d)", int(m))
}

// ParsePCIModel maps a configuration name to a PCIModel.
func ParsePCIModel(s string) (PCIModel, error) {
	for i, name := range pciModelNames {
		if name == s {
			return PCIModel(i), nil
		}
	}
	return PCIModelLast, ConfigErrorf("unknown PCI controller model %q", s)
}

// USBModel is the model of a USB controller. USBModelDefault stands for an
// unset model and behaves like piix3-uhci.
type USBModel int

const (
	USBModelDefault USBModel = iota
	USBModelPIIX3UHCI
	USBModelPIIX4UHCI
	USBModelEHCI
	USBModelICH9EHCI1
	USBModelICH9UHCI1
	USBModelICH9UHCI2
	USBModelICH9UHCI3
	USBModelVT82C686BUHCI
	USBModelPCIOHCI
	USBModelNECXHCI
	USBModelQUSB1
	USBModelQUSB2
	USBModelNone

	USBModelLast
)

var usbModelNames = [...]string{
	USBModelDefault:       "",
	USBModelPIIX3UHCI:     "piix3-uhci",
	USBModelPIIX4UHCI:     "piix4-uhci",
	USBModelEHCI:          "ehci",
	USBModelICH9EHCI1:     "ich9-ehci1",
	USBModelICH9UHCI1:     "ich9-uhci1",
	USBModelICH9UHCI2:     "ich9-uhci2",
	USBModelICH9UHCI3:     "ich9-uhci3",
	USBModelVT82C686BUHCI: "vt82c686b-uhci",
	USBModelPCIOHCI:       "pci-ohci",
	USBModelNECXHCI:       "nec-xhci",
	USBModelQUSB1:         "qusb1",
	USBModelQUSB2:         "qusb2",
	USBModelNone:          "none",
}

func (m USBModel) String() string {
	if m >= 0 && m < USBModelLast {
		return usbModelNames[m]
	}
	return fmt.Sprintf("USBModel(%d)", int(m))
}

// ParseUSBModel maps a configuration name to a USBModel.
func ParseUSBModel(s string) (USBModel, error) {
	for i, name := range usbModelNames {
		if name == s {
			return USBModel(i), nil
		}
	}
	return USBModelLast, ConfigErrorf("unknown USB controller model %q", s)
}

// IsUSB2Companion reports whether the model is part of the ICH9 USB2 set
// that shares one PCI slot.
func (m USBModel) IsUSB2Companion() bool {
	switch m {
	case USBModelICH9EHCI1, USBModelICH9UHCI1, USBModelICH9UHCI2, USBModelICH9UHCI3:
		return true
	}
	return false
}

// Controller is a bus-providing device.
type Controller struct {
	Type  ControllerType
	Index uint

	PCIModel PCIModel
	USBModel USBModel
	// Model is the free-form model of other controller types.
	Model string

	// Ports overrides the port count of usb and virtio-serial controllers.
	// Zero selects the model default.
	Ports int

	Info DeviceInfo
}

// ModelString returns the model name appropriate for the controller type.
func (c *Controller) ModelString() string {
	switch c.Type {
	case ControllerPCI:
		return c.PCIModel.String()
	case ControllerUSB:
		return c.USBModel.String()
	default:
		return c.Model
	}
}

// HubType is the kind of a hub device.
type HubType int

const (
	HubUSB HubType = iota
)

// Hub is a device that provides more ports on an existing bus.
type Hub struct {
	Type HubType
	Info DeviceInfo
}
