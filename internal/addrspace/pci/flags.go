package pci

import (
	"errors"
	"strings"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// ConnectFlags describes which kinds of device a bus accepts, or which kind
// of connector a device presents.
type ConnectFlags uint32

const (
	Hotpluggable ConnectFlags = 1 << iota
	PCIDevice
	PCIeDevice
	PCIeRootPort
	PCIeSwitchUpstreamPort
	PCIeSwitchDownstreamPort
	DMIToPCIBridge
	PCIExpanderBus
	PCIeExpanderBus
)

const (
	// TypesEndpoint are the connector types of ordinary devices.
	TypesEndpoint = PCIDevice | PCIeDevice
	// TypesMask covers every connector type bit.
	TypesMask = TypesEndpoint | PCIeRootPort | PCIeSwitchUpstreamPort |
		PCIeSwitchDownstreamPort | DMIToPCIBridge | PCIExpanderBus | PCIeExpanderBus
)

var flagNames = []struct {
	flag ConnectFlags
	name string
}{
	{Hotpluggable, "hotpluggable"},
	{PCIDevice, "pci-device"},
	{PCIeDevice, "pcie-device"},
	{PCIeRootPort, "pcie-root-port"},
	{PCIeSwitchUpstreamPort, "pcie-switch-upstream-port"},
	{PCIeSwitchDownstreamPort, "pcie-switch-downstream-port"},
	{DMIToPCIBridge, "dmi-to-pci-bridge"},
	{PCIExpanderBus, "pci-expander-bus"},
	{PCIeExpanderBus, "pcie-expander-bus"},
}

func (f ConnectFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

var (
	// ErrIncompatibleBus is matched by errors caused by a connector type the
	// bus does not accept.
	ErrIncompatibleBus = errors.New("pci: incompatible connector type")
	// ErrNotHotpluggable is matched by errors caused by placing a
	// hot-pluggable device on a bus without hot-plug support.
	ErrNotHotpluggable = errors.New("pci: bus does not support hot-plug")
)

// ModelToConnectFlags returns the connector type a device of the given
// controller model presents to the bus it plugs into. Root buses have no
// upstream connection and yield 0.
func ModelToConnectFlags(model domain.PCIModel) (ConnectFlags, error) {
	switch model {
	case domain.PCIModelPCIRoot, domain.PCIModelPCIeRoot:
		return 0, nil
	case domain.PCIModelPCIBridge:
		return PCIDevice, nil
	case domain.PCIModelPCIExpanderBus:
		return PCIExpanderBus, nil
	case domain.PCIModelPCIeExpanderBus:
		return PCIeExpanderBus, nil
	case domain.PCIModelDMIToPCIBridge:
		return DMIToPCIBridge, nil
	case domain.PCIModelPCIeRootPort:
		return PCIeRootPort, nil
	case domain.PCIModelPCIeSwitchUpstreamPort:
		return PCIeSwitchUpstreamPort, nil
	case domain.PCIModelPCIeSwitchDownstreamPort:
		return PCIeSwitchDownstreamPort, nil
	case domain.PCIModelLast:
	}
	return 0, domain.InternalErrorf("Invalid PCI controller model %d", int(model))
}

// connectorName names the connector class of devFlags for error messages.
func connectorName(devFlags ConnectFlags) string {
	switch {
	case devFlags&PCIDevice != 0:
		return "standard PCI device"
	case devFlags&PCIeDevice != 0:
		return "PCI Express device"
	case devFlags&PCIeRootPort != 0:
		return "pcie-root-port"
	case devFlags&PCIeSwitchUpstreamPort != 0:
		return "pci-switch-upstream-port"
	case devFlags&PCIeSwitchDownstreamPort != 0:
		return "pci-switch-downstream-port"
	case devFlags&DMIToPCIBridge != 0:
		return "dmi-to-pci-bridge"
	case devFlags&PCIExpanderBus != 0:
		return "pci-expander-bus"
	case devFlags&PCIeExpanderBus != 0:
		return "pcie-expander-bus"
	}
	return ""
}

// FlagsCompatible checks that a device presenting devFlags may sit on a bus
// accepting busFlags. For addresses given in the configuration any endpoint
// is allowed on any endpoint bus and the device's hot-plug request is
// honoured instead of checked. addr is only used in the error message.
func FlagsCompatible(addr domain.PCIAddress, busFlags, devFlags ConnectFlags, fromConfig bool) error {
	kind := domain.KindFor(fromConfig)

	if fromConfig {
		if busFlags&TypesEndpoint != 0 {
			busFlags |= TypesEndpoint
		}
		if devFlags&Hotpluggable != 0 {
			busFlags |= Hotpluggable
		}
	}

	if devFlags&busFlags&TypesMask == 0 {
		name := connectorName(devFlags)
		if name == "" {
			return domain.WrapErrorf(domain.ErrKindInternal, ErrIncompatibleBus,
				"The device at PCI address %s has unrecognized connection type flags 0x%.2x",
				addr, uint32(devFlags&TypesMask))
		}
		return domain.WrapErrorf(kind, ErrIncompatibleBus,
			"The device at PCI address %s cannot be plugged into the PCI controller with index='%d'. It requires a controller that accepts a %s.",
			addr, addr.Bus, name)
	}

	if devFlags&Hotpluggable != 0 && busFlags&Hotpluggable == 0 {
		return domain.WrapErrorf(kind, ErrNotHotpluggable,
			"The device at PCI address %s requires hotplug capability, but the PCI controller with index='%d' doesn't support hotplug",
			addr, addr.Bus)
	}
	return nil
}
