package pci

import (
	"github.com/tinyrange/vmaddr/internal/domain"
)

const slotCount = domain.PCISlotLast + 1

// Bus is one PCI bus: which connectors it accepts, the usable slot range and
// a function bitmask per slot. A value of 0xFF reserves the whole slot.
type Bus struct {
	Model   domain.PCIModel
	Flags   ConnectFlags
	MinSlot uint8
	MaxSlot uint8

	slots [slotCount]uint8
}

// SetModel configures the bus for a controller model.
func (b *Bus) SetModel(model domain.PCIModel) error {
	switch model {
	case domain.PCIModelPCIRoot:
		b.Flags = Hotpluggable | PCIDevice | PCIExpanderBus
		b.MinSlot = 1
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelPCIBridge:
		b.Flags = Hotpluggable | PCIDevice
		b.MinSlot = 1
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelPCIExpanderBus:
		b.Flags = Hotpluggable | PCIDevice
		b.MinSlot = 0
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelPCIeRoot:
		// pcie-root accepts no hot-plugged devices.
		b.Flags = PCIeDevice | PCIeRootPort | DMIToPCIBridge | PCIeExpanderBus
		b.MinSlot = 1
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelDMIToPCIBridge:
		b.Flags = PCIDevice
		b.MinSlot = 0
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelPCIeRootPort, domain.PCIModelPCIeSwitchDownstreamPort:
		b.Flags = PCIeDevice | PCIeSwitchUpstreamPort | Hotpluggable
		b.MinSlot = 0
		b.MaxSlot = 0
	case domain.PCIModelPCIeSwitchUpstreamPort:
		b.Flags = PCIeSwitchDownstreamPort
		b.MinSlot = 0
		b.MaxSlot = domain.PCISlotLast
	case domain.PCIModelPCIeExpanderBus:
		b.Flags = PCIeRootPort | DMIToPCIBridge
		b.MinSlot = 0
		b.MaxSlot = 0
	default:
		return domain.InternalErrorf("Invalid PCI controller model %d", int(model))
	}
	b.Model = model
	return nil
}

// SlotInUse reports whether any function of slot is reserved.
func (b *Bus) SlotInUse(slot uint8) bool {
	return b.slots[slot] != 0
}

// Functions returns the function bitmask of slot.
func (b *Bus) Functions(slot uint8) uint8 {
	return b.slots[slot]
}

// FullyReserved reports whether every usable slot has something in it.
func (b *Bus) FullyReserved() bool {
	for s := int(b.MinSlot); s <= int(b.MaxSlot); s++ {
		if b.slots[s] == 0 {
			return false
		}
	}
	return true
}
