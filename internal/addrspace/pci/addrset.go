// Package pci tracks which PCI bus/slot/function addresses of a guest are in
// use and hands out free slots to devices without an address.
package pci

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// maxBuses is the number of buses addressable by an 8-bit bus number.
const maxBuses = 256

// ErrNoFreeSlot is matched by the error returned when every compatible slot
// is taken.
var ErrNoFreeSlot = errors.New("pci: no free slot")

// AddressSet is the PCI address space of one placement pass. It is not safe
// for concurrent use.
type AddressSet struct {
	buses []Bus
	// dryRun allows the set to add pci-bridge buses instead of failing
	// when it runs out of slots.
	dryRun bool

	lastAddr  domain.PCIAddress
	lastFlags ConnectFlags
	hasLast   bool
}

// NewAddressSet creates a set with nbuses buses. Bus 0 is a pci-root, the
// rest are pci-bridges until SetBusModel says otherwise.
func NewAddressSet(nbuses int, dryRun bool) (*AddressSet, error) {
	if nbuses < 0 || nbuses > maxBuses {
		return nil, domain.InternalErrorf("invalid PCI bus count %d", nbuses)
	}
	s := &AddressSet{
		buses:  make([]Bus, nbuses),
		dryRun: dryRun,
	}
	for i := range s.buses {
		model := domain.PCIModelPCIBridge
		if i == 0 {
			model = domain.PCIModelPCIRoot
		}
		if err := s.buses[i].SetModel(model); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// DryRun reports whether the set may grow.
func (s *AddressSet) DryRun() bool {
	return s.dryRun
}

// NumBuses returns the current number of buses.
func (s *AddressSet) NumBuses() int {
	return len(s.buses)
}

// Bus returns bus idx, or nil if there is no such bus.
func (s *AddressSet) Bus(idx int) *Bus {
	if idx < 0 || idx >= len(s.buses) {
		return nil
	}
	return &s.buses[idx]
}

// SetBusModel reconfigures bus idx for a controller model.
func (s *AddressSet) SetBusModel(idx int, model domain.PCIModel) error {
	bus := s.Bus(idx)
	if bus == nil {
		return domain.InternalErrorf("PCI bus %d out of range (have %d)", idx, len(s.buses))
	}
	return bus.SetModel(model)
}

// BusFullyReserved reports whether every usable slot on bus idx is in use.
func (s *AddressSet) BusFullyReserved(idx int) bool {
	bus := s.Bus(idx)
	return bus != nil && bus.FullyReserved()
}

// Validate checks that addr exists in the set and that a device presenting
// flags may use it.
func (s *AddressSet) Validate(addr domain.PCIAddress, flags ConnectFlags, fromConfig bool) error {
	kind := domain.KindFor(fromConfig)

	if len(s.buses) == 0 {
		return domain.Errorf(kind, "No PCI buses available")
	}
	if addr.Domain != 0 {
		return domain.Errorf(kind, "Invalid PCI address %s. Only PCI domain 0 is available", addr)
	}
	if int(addr.Bus) >= len(s.buses) {
		return domain.Errorf(kind, "Invalid PCI address %s. Only PCI buses up to %d are available",
			addr, len(s.buses)-1)
	}

	bus := &s.buses[addr.Bus]
	if err := FlagsCompatible(addr, bus.Flags, flags, fromConfig); err != nil {
		return err
	}

	if addr.Slot < bus.MinSlot {
		return domain.Errorf(kind, "Invalid PCI address %s. slot must be >= %d", addr, bus.MinSlot)
	}
	if addr.Slot > bus.MaxSlot {
		return domain.Errorf(kind, "Invalid PCI address %s. slot must be <= %d", addr, bus.MaxSlot)
	}
	if addr.Function > domain.PCIFunctionLast {
		return domain.Errorf(kind, "Invalid PCI address %s. function must be <= %d",
			addr, domain.PCIFunctionLast)
	}
	return nil
}

// Grow appends pci-bridge buses until addr.Bus exists and returns how many
// were added. Only devices that plug into a standard PCI slot can cause
// growth.
func (s *AddressSet) Grow(addr domain.PCIAddress, flags ConnectFlags) (int, error) {
	add := int(addr.Bus) - len(s.buses) + 1
	if add <= 0 {
		return 0, nil
	}
	if flags&PCIDevice == 0 {
		return 0, domain.InternalErrorf("Cannot automatically add a new PCI bus for a " +
			"device requiring a slot other than standard PCI.")
	}

	for i := 0; i < add; i++ {
		var bus Bus
		if err := bus.SetModel(domain.PCIModelPCIBridge); err != nil {
			return i, err
		}
		s.buses = append(s.buses, bus)
	}
	slog.Debug("added PCI buses", "count", add, "buses", len(s.buses))
	return add, nil
}

// ReserveAddr marks addr as used. With wholeSlot all eight functions are
// claimed and the slot must be empty; otherwise only addr.Function is.
func (s *AddressSet) ReserveAddr(addr domain.PCIAddress, flags ConnectFlags, wholeSlot, fromConfig bool) error {
	kind := domain.KindFor(fromConfig)

	if s.dryRun {
		if _, err := s.Grow(addr, flags); err != nil {
			return err
		}
	}
	if err := s.Validate(addr, flags, fromConfig); err != nil {
		return err
	}

	bus := &s.buses[addr.Bus]
	if wholeSlot {
		if bus.slots[addr.Slot] != 0 {
			return domain.Errorf(kind, "Attempted double use of PCI slot %s "+
				"(may need \"multifunction='on'\" for device on function 0)", addr)
		}
		bus.slots[addr.Slot] = 0xFF
		slog.Debug("reserving PCI slot", "addr", addr.String(), "multifunction", "off")
		return nil
	}

	bit := uint8(1) << addr.Function
	if bus.slots[addr.Slot]&bit != 0 {
		if addr.Function == 0 {
			return domain.Errorf(kind, "Attempted double use of PCI Address %s", addr)
		}
		return domain.Errorf(kind, "Attempted double use of PCI Address %s "+
			"(may need \"multifunction='on'\" for device on function 0)", addr)
	}
	bus.slots[addr.Slot] |= bit
	slog.Debug("reserving PCI address", "addr", addr.String())
	return nil
}

// ReserveSlot reserves the whole slot of an automatically chosen address.
func (s *AddressSet) ReserveSlot(addr domain.PCIAddress, flags ConnectFlags) error {
	return s.ReserveAddr(addr, flags, true, false)
}

// SlotInUse reports whether any function of addr's slot is reserved.
func (s *AddressSet) SlotInUse(addr domain.PCIAddress) bool {
	bus := s.Bus(int(addr.Bus))
	return bus != nil && int(addr.Slot) < slotCount && bus.SlotInUse(addr.Slot)
}

// scanBus returns the first free slot of bus idx at or after start.
func (s *AddressSet) scanBus(idx, start int, flags ConnectFlags) (int, bool) {
	bus := &s.buses[idx]
	at := domain.PCIAddress{Bus: uint8(idx), Slot: uint8(start)}
	if err := FlagsCompatible(at, bus.Flags, flags, false); err != nil {
		slog.Debug("PCI bus is not compatible with the device", "bus", idx, "flags", flags)
		return 0, false
	}
	for slot := start; slot <= int(bus.MaxSlot); slot++ {
		if bus.slots[slot] == 0 {
			return slot, true
		}
		slog.Debug("PCI slot already in use", "bus", idx, "slot", slot)
	}
	return 0, false
}

// GetNextSlot finds a free slot for a device presenting flags. A search for
// the same flags as the previous ReserveNextSlot resumes after the address
// handed out then.
func (s *AddressSet) GetNextSlot(flags ConnectFlags) (domain.PCIAddress, error) {
	if len(s.buses) == 0 {
		return domain.PCIAddress{}, domain.ConfigErrorf("No PCI buses available")
	}

	continuing := s.hasLast && flags == s.lastFlags
	bus, slot := 0, int(s.buses[0].MinSlot)
	if continuing {
		bus, slot = int(s.lastAddr.Bus), int(s.lastAddr.Slot)+1
		if slot > int(s.buses[bus].MaxSlot) {
			bus++
			if bus < len(s.buses) {
				slot = int(s.buses[bus].MinSlot)
			}
		}
	}

	for ; bus < len(s.buses); bus++ {
		if found, ok := s.scanBus(bus, slot, flags); ok {
			return s.found(bus, found), nil
		}
		if bus+1 < len(s.buses) {
			slot = int(s.buses[bus+1].MinSlot)
		}
	}

	if s.dryRun {
		if bus >= maxBuses {
			return domain.PCIAddress{}, domain.WrapErrorf(domain.ErrKindInternal, ErrNoFreeSlot,
				"No more available PCI slots")
		}
		if _, err := s.Grow(domain.PCIAddress{Bus: uint8(bus)}, flags); err != nil {
			return domain.PCIAddress{}, err
		}
		return s.found(bus, int(s.buses[bus].MinSlot)), nil
	}

	if continuing {
		// Rescan the buses the forward walk skipped for slots freed
		// since.
		for bus = 0; bus <= int(s.lastAddr.Bus) && bus < len(s.buses); bus++ {
			if found, ok := s.scanBus(bus, int(s.buses[bus].MinSlot), flags); ok {
				return s.found(bus, found), nil
			}
		}
	}

	return domain.PCIAddress{}, domain.WrapErrorf(domain.ErrKindInternal, ErrNoFreeSlot,
		"No more available PCI slots")
}

func (s *AddressSet) found(bus, slot int) domain.PCIAddress {
	addr := domain.PCIAddress{Bus: uint8(bus), Slot: uint8(slot)}
	slog.Debug("found free PCI slot", "addr", addr.String())
	return addr
}

// ReserveNextSlot reserves the next free slot for flags and, outside a dry
// run, records it in info.
func (s *AddressSet) ReserveNextSlot(info *domain.DeviceInfo, flags ConnectFlags) (domain.PCIAddress, error) {
	addr, err := s.GetNextSlot(flags)
	if err != nil {
		return addr, err
	}
	if err := s.ReserveSlot(addr, flags); err != nil {
		return addr, err
	}

	if !s.dryRun && info != nil {
		info.Type = domain.AddressPCI
		info.PCI = addr
	}

	s.lastAddr = addr
	s.lastFlags = flags
	s.hasLast = true
	return addr, nil
}

// SetLastAddr moves the continuation point of the next search with the
// same flags to the slot of addr.
func (s *AddressSet) SetLastAddr(addr domain.PCIAddress) {
	addr.Function = 0
	s.lastAddr = addr
}

// HotplugFlags are the flags used for devices attached to a running guest.
const HotplugFlags = Hotpluggable | PCIDevice

// EnsureAddr reserves the address a hot-plugged device asks for, or picks one
// if it has none.
func (s *AddressSet) EnsureAddr(info *domain.DeviceInfo) error {
	if info.HasPCIAddress() {
		if info.PCI.Function != 0 {
			return domain.InternalErrorf("Only PCI device addresses with function=0 are supported")
		}
		if err := s.Validate(info.PCI, HotplugFlags, true); err != nil {
			return err
		}
		return s.ReserveSlot(info.PCI, HotplugFlags)
	}
	_, err := s.ReserveNextSlot(info, HotplugFlags)
	return err
}

// ReleaseAddr frees one function of a slot.
func (s *AddressSet) ReleaseAddr(addr domain.PCIAddress) error {
	if err := s.Validate(addr, TypesMask, false); err != nil {
		return err
	}
	s.buses[addr.Bus].slots[addr.Slot] &^= uint8(1) << addr.Function
	slog.Debug("released PCI address", "addr", addr.String())
	return nil
}

// ReleaseSlot frees every function of addr's slot.
func (s *AddressSet) ReleaseSlot(addr domain.PCIAddress) error {
	if err := s.Validate(addr, TypesMask, false); err != nil {
		return err
	}
	s.buses[addr.Bus].slots[addr.Slot] = 0
	slog.Debug("released PCI slot", "addr", addr.String())
	return nil
}
