package pci

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/vmaddr/internal/domain"
)

func newSet(t *testing.T, nbuses int, dryRun bool) *AddressSet {
	t.Helper()
	s, err := NewAddressSet(nbuses, dryRun)
	if err != nil {
		t.Fatalf("NewAddressSet(%d): %v", nbuses, err)
	}
	return s
}

func mustReserve(t *testing.T, s *AddressSet, addr domain.PCIAddress, flags ConnectFlags, whole bool) {
	t.Helper()
	if err := s.ReserveAddr(addr, flags, whole, true); err != nil {
		t.Fatalf("ReserveAddr(%s): %v", addr, err)
	}
}

func TestBusSetModelTable(t *testing.T) {
	tests := []struct {
		model    domain.PCIModel
		flags    ConnectFlags
		min, max uint8
	}{
		{domain.PCIModelPCIRoot, Hotpluggable | PCIDevice | PCIExpanderBus, 1, 31},
		{domain.PCIModelPCIBridge, Hotpluggable | PCIDevice, 1, 31},
		{domain.PCIModelPCIExpanderBus, Hotpluggable | PCIDevice, 0, 31},
		{domain.PCIModelPCIeRoot, PCIeDevice | PCIeRootPort | DMIToPCIBridge | PCIeExpanderBus, 1, 31},
		{domain.PCIModelDMIToPCIBridge, PCIDevice, 0, 31},
		{domain.PCIModelPCIeRootPort, PCIeDevice | PCIeSwitchUpstreamPort | Hotpluggable, 0, 0},
		{domain.PCIModelPCIeSwitchDownstreamPort, PCIeDevice | PCIeSwitchUpstreamPort | Hotpluggable, 0, 0},
		{domain.PCIModelPCIeSwitchUpstreamPort, PCIeSwitchDownstreamPort, 0, 31},
		{domain.PCIModelPCIeExpanderBus, PCIeRootPort | DMIToPCIBridge, 0, 0},
	}
	for _, tc := range tests {
		var b Bus
		if err := b.SetModel(tc.model); err != nil {
			t.Fatalf("SetModel(%s): %v", tc.model, err)
		}
		if b.Flags != tc.flags || b.MinSlot != tc.min || b.MaxSlot != tc.max {
			t.Errorf("%s: flags=%s slots=%d..%d, want flags=%s slots=%d..%d",
				tc.model, b.Flags, b.MinSlot, b.MaxSlot, tc.flags, tc.min, tc.max)
		}
	}

	var b Bus
	if err := b.SetModel(domain.PCIModelLast); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("SetModel(last) err = %v, want internal error", err)
	}
}

// Every model must be handled by both tables.
func TestModelTablesCoverAllModels(t *testing.T) {
	for m := domain.PCIModel(0); m < domain.PCIModelLast; m++ {
		var b Bus
		if err := b.SetModel(m); err != nil {
			t.Errorf("SetModel(%s): %v", m, err)
		}
		if _, err := ModelToConnectFlags(m); err != nil {
			t.Errorf("ModelToConnectFlags(%s): %v", m, err)
		}
	}
	if _, err := ModelToConnectFlags(domain.PCIModelLast); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("ModelToConnectFlags(last) err = %v, want internal error", err)
	}
}

func TestModelToConnectFlags(t *testing.T) {
	tests := []struct {
		model domain.PCIModel
		want  ConnectFlags
	}{
		{domain.PCIModelPCIRoot, 0},
		{domain.PCIModelPCIeRoot, 0},
		{domain.PCIModelPCIBridge, PCIDevice},
		{domain.PCIModelDMIToPCIBridge, DMIToPCIBridge},
		{domain.PCIModelPCIeRootPort, PCIeRootPort},
		{domain.PCIModelPCIeSwitchUpstreamPort, PCIeSwitchUpstreamPort},
		{domain.PCIModelPCIeSwitchDownstreamPort, PCIeSwitchDownstreamPort},
		{domain.PCIModelPCIExpanderBus, PCIExpanderBus},
		{domain.PCIModelPCIeExpanderBus, PCIeExpanderBus},
	}
	for _, tc := range tests {
		got, err := ModelToConnectFlags(tc.model)
		if err != nil || got != tc.want {
			t.Errorf("ModelToConnectFlags(%s) = %s, %v; want %s", tc.model, got, err, tc.want)
		}
	}
}

func TestFlagsCompatible(t *testing.T) {
	addr := domain.PCIAddress{Slot: 3}

	// A PCIe endpoint does not fit a plain PCI bus unless configured there.
	err := FlagsCompatible(addr, Hotpluggable|PCIDevice, PCIeDevice, false)
	if !errors.Is(err, ErrIncompatibleBus) {
		t.Fatalf("err = %v, want ErrIncompatibleBus", err)
	}
	if !strings.Contains(err.Error(), "PCI Express device") {
		t.Fatalf("message %q does not name the connector", err)
	}
	if err := FlagsCompatible(addr, Hotpluggable|PCIDevice, PCIeDevice, true); err != nil {
		t.Fatalf("from config: %v", err)
	}

	// Hot-plug requirements are checked for generated addresses only.
	err = FlagsCompatible(addr, PCIeDevice, PCIeDevice|Hotpluggable, false)
	if !errors.Is(err, ErrNotHotpluggable) {
		t.Fatalf("err = %v, want ErrNotHotpluggable", err)
	}
	if errors.Is(err, ErrIncompatibleBus) {
		t.Fatalf("hot-plug failure reported as connector mismatch")
	}
	if err := FlagsCompatible(addr, PCIeDevice, PCIeDevice|Hotpluggable, true); err != nil {
		t.Fatalf("from config: %v", err)
	}

	// Non-endpoint buses are not relaxed.
	err = FlagsCompatible(addr, PCIeSwitchDownstreamPort, PCIDevice, true)
	if !errors.Is(err, ErrIncompatibleBus) || !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("err = %v, want config ErrIncompatibleBus", err)
	}

	if err := FlagsCompatible(addr, PCIDevice, 0, false); err == nil ||
		!strings.Contains(err.Error(), "unrecognized connection type") {
		t.Fatalf("err = %v, want unrecognized connection type", err)
	}
}

func TestValidate(t *testing.T) {
	s := newSet(t, 2, false)

	tests := []struct {
		name string
		addr domain.PCIAddress
		ok   bool
	}{
		{"valid", domain.PCIAddress{Bus: 1, Slot: 5}, true},
		{"domain", domain.PCIAddress{Domain: 1, Slot: 5}, false},
		{"bus", domain.PCIAddress{Bus: 2, Slot: 5}, false},
		{"slot below min", domain.PCIAddress{Slot: 0}, false},
		{"slot above max", domain.PCIAddress{Slot: 32}, false},
		{"function", domain.PCIAddress{Slot: 1, Function: 8}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Validate(tc.addr, PCIDevice, true)
			if tc.ok && err != nil {
				t.Fatalf("Validate(%s): %v", tc.addr, err)
			}
			if !tc.ok && !domain.IsConfigError(err) {
				t.Fatalf("Validate(%s) err = %v, want config error", tc.addr, err)
			}
		})
	}

	if err := s.Validate(domain.PCIAddress{Bus: 9}, PCIDevice, false); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("generated address err = %v, want internal error", err)
	}

	empty := newSet(t, 0, false)
	if err := empty.Validate(domain.PCIAddress{}, PCIDevice, true); err == nil ||
		!strings.Contains(err.Error(), "No PCI buses available") {
		t.Fatalf("err = %v, want no buses", err)
	}
}

func TestGetNextSlotEmptyRoot(t *testing.T) {
	s := newSet(t, 1, false)

	addr, err := s.GetNextSlot(PCIDevice)
	if err != nil {
		t.Fatalf("GetNextSlot: %v", err)
	}
	if want := (domain.PCIAddress{Slot: 1}); addr != want {
		t.Fatalf("GetNextSlot = %s, want %s", addr, want)
	}

	if err := s.ReserveSlot(addr, PCIDevice); err != nil {
		t.Fatalf("ReserveSlot: %v", err)
	}
	addr, err = s.GetNextSlot(PCIDevice)
	if err != nil {
		t.Fatalf("GetNextSlot: %v", err)
	}
	if want := (domain.PCIAddress{Slot: 2}); addr != want {
		t.Fatalf("GetNextSlot after reserve = %s, want %s", addr, want)
	}
}

func TestReserveNextSlotContinuation(t *testing.T) {
	s := newSet(t, 2, false)
	flags := Hotpluggable | PCIDevice

	var prev domain.PCIAddress
	for i := 0; i < 40; i++ {
		var info domain.DeviceInfo
		addr, err := s.ReserveNextSlot(&info, flags)
		if err != nil {
			t.Fatalf("ReserveNextSlot #%d: %v", i, err)
		}
		if info.Type != domain.AddressPCI || info.PCI != addr {
			t.Fatalf("info not updated: %+v", info)
		}
		if i > 0 && (addr.Bus < prev.Bus || (addr.Bus == prev.Bus && addr.Slot <= prev.Slot)) {
			t.Fatalf("address %s not after %s", addr, prev)
		}
		prev = addr
	}
	// 31 slots on bus 0, then bus 1 from slot 1.
	if want := (domain.PCIAddress{Bus: 1, Slot: 9}); prev != want {
		t.Fatalf("40th address = %s, want %s", prev, want)
	}
}

func TestGetNextSlotRescansAfterRelease(t *testing.T) {
	s := newSet(t, 1, false)
	flags := PCIDevice

	for i := 0; i < 31; i++ {
		if _, err := s.ReserveNextSlot(nil, flags); err != nil {
			t.Fatalf("ReserveNextSlot #%d: %v", i, err)
		}
	}
	if _, err := s.GetNextSlot(flags); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("err = %v, want ErrNoFreeSlot", err)
	}

	if err := s.ReleaseSlot(domain.PCIAddress{Slot: 7}); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	addr, err := s.GetNextSlot(flags)
	if err != nil {
		t.Fatalf("GetNextSlot after release: %v", err)
	}
	if addr.Slot != 7 {
		t.Fatalf("GetNextSlot = %s, want slot 7", addr)
	}
}

// A search with new flags starts from the first bus, so it never needs the
// rescan.
func TestGetNextSlotNewFlagsStartOver(t *testing.T) {
	s := newSet(t, 2, false)
	for i := 0; i < 3; i++ {
		if _, err := s.ReserveNextSlot(nil, PCIDevice); err != nil {
			t.Fatalf("ReserveNextSlot #%d: %v", i, err)
		}
	}
	if err := s.ReleaseSlot(domain.PCIAddress{Slot: 1}); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}

	cont, err := s.GetNextSlot(PCIDevice)
	if err != nil || cont.Slot != 4 {
		t.Fatalf("continued search = %s, %v; want slot 4", cont, err)
	}
	fresh, err := s.GetNextSlot(PCIDevice | Hotpluggable)
	if err != nil || fresh.Slot != 1 {
		t.Fatalf("fresh search = %s, %v; want slot 1", fresh, err)
	}
}

func TestHotplugDeviceSkipsNonHotplugBus(t *testing.T) {
	s := newSet(t, 3, false)
	// Bus 0 becomes a dmi-to-pci-bridge style bus without hot-plug.
	if err := s.SetBusModel(0, domain.PCIModelDMIToPCIBridge); err != nil {
		t.Fatalf("SetBusModel: %v", err)
	}
	if err := s.SetBusModel(2, domain.PCIModelDMIToPCIBridge); err != nil {
		t.Fatalf("SetBusModel: %v", err)
	}

	for i := 0; i < 31; i++ {
		addr, err := s.ReserveNextSlot(nil, Hotpluggable|PCIDevice)
		if err != nil {
			t.Fatalf("ReserveNextSlot #%d: %v", i, err)
		}
		if addr.Bus != 1 {
			t.Fatalf("hot-pluggable device placed on bus %d", addr.Bus)
		}
	}
	if _, err := s.ReserveNextSlot(nil, Hotpluggable|PCIDevice); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("err = %v, want ErrNoFreeSlot", err)
	}
}

func TestDryRunGrows(t *testing.T) {
	s := newSet(t, 1, true)
	for i := 0; i < 31; i++ {
		if _, err := s.ReserveNextSlot(nil, PCIDevice); err != nil {
			t.Fatalf("ReserveNextSlot #%d: %v", i, err)
		}
	}
	var info domain.DeviceInfo
	addr, err := s.ReserveNextSlot(&info, PCIDevice)
	if err != nil {
		t.Fatalf("ReserveNextSlot on full set: %v", err)
	}
	if want := (domain.PCIAddress{Bus: 1, Slot: 1}); addr != want {
		t.Fatalf("grown address = %s, want %s", addr, want)
	}
	if s.NumBuses() != 2 || s.Bus(1).Model != domain.PCIModelPCIBridge {
		t.Fatalf("set has %d buses, bus 1 model %v", s.NumBuses(), s.Bus(1).Model)
	}
	if info.Type != domain.AddressNone {
		t.Fatalf("dry run wrote the address into the device: %+v", info)
	}

	// Growth only produces plain PCI buses.
	if _, err := s.Grow(domain.PCIAddress{Bus: 5}, PCIeDevice); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("Grow for PCIe err = %v, want internal error", err)
	}
	n, err := s.Grow(domain.PCIAddress{Bus: 4}, PCIDevice)
	if err != nil || n != 3 || s.NumBuses() != 5 {
		t.Fatalf("Grow = %d, %v; buses %d", n, err, s.NumBuses())
	}
}

func TestReserveAddrDoubleUse(t *testing.T) {
	s := newSet(t, 1, false)
	addr := domain.PCIAddress{Slot: 4}

	mustReserve(t, s, addr, PCIDevice, false)
	err := s.ReserveAddr(addr, PCIDevice, false, true)
	if !domain.IsConfigError(err) || strings.Contains(err.Error(), "multifunction") {
		t.Fatalf("function 0 reuse err = %v", err)
	}
	if s.Bus(0).Functions(4) != 0x01 {
		t.Fatalf("failed reserve changed the slot: %#x", s.Bus(0).Functions(4))
	}

	fn1 := domain.PCIAddress{Slot: 4, Function: 1}
	mustReserve(t, s, fn1, PCIDevice, false)
	if err := s.ReserveAddr(fn1, PCIDevice, false, false); err == nil ||
		!strings.Contains(err.Error(), "multifunction") || !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("function 1 reuse err = %v", err)
	}

	if err := s.ReserveAddr(domain.PCIAddress{Slot: 4, Function: 2}, PCIDevice, true, true); err == nil ||
		!strings.Contains(err.Error(), "PCI slot") {
		t.Fatalf("whole slot over functions err = %v", err)
	}

	mustReserve(t, s, domain.PCIAddress{Slot: 5}, PCIDevice, true)
	if s.Bus(0).Functions(5) != 0xFF {
		t.Fatalf("whole slot reservation = %#x", s.Bus(0).Functions(5))
	}
	if err := s.ReserveAddr(domain.PCIAddress{Slot: 5, Function: 3}, PCIDevice, false, true); err == nil {
		t.Fatalf("function of a whole-slot reservation accepted")
	}
}

func TestReleaseIsInverseOfReserve(t *testing.T) {
	s := newSet(t, 1, false)
	addr := domain.PCIAddress{Slot: 9, Function: 3}

	mustReserve(t, s, addr, PCIDevice, false)
	if err := s.ReleaseAddr(addr); err != nil {
		t.Fatalf("ReleaseAddr: %v", err)
	}
	if s.SlotInUse(addr) {
		t.Fatalf("slot still in use after release")
	}
	mustReserve(t, s, addr, PCIDevice, false)

	whole := domain.PCIAddress{Slot: 10}
	mustReserve(t, s, whole, PCIDevice, true)
	if err := s.ReleaseSlot(whole); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	if s.SlotInUse(whole) {
		t.Fatalf("slot still in use after ReleaseSlot")
	}

	if err := s.ReleaseSlot(domain.PCIAddress{Bus: 3, Slot: 1}); err == nil {
		t.Fatalf("release on missing bus succeeded")
	}
}

func TestEnsureAddr(t *testing.T) {
	s := newSet(t, 1, false)

	info := domain.DeviceInfo{Type: domain.AddressPCI, PCI: domain.PCIAddress{Slot: 6}}
	if err := s.EnsureAddr(&info); err != nil {
		t.Fatalf("EnsureAddr with address: %v", err)
	}
	if s.Bus(0).Functions(6) != 0xFF {
		t.Fatalf("slot 6 not reserved")
	}

	multi := domain.DeviceInfo{Type: domain.AddressPCI, PCI: domain.PCIAddress{Slot: 7, Function: 1}}
	if err := s.EnsureAddr(&multi); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("function 1 err = %v, want internal error", err)
	}

	var fresh domain.DeviceInfo
	if err := s.EnsureAddr(&fresh); err != nil {
		t.Fatalf("EnsureAddr without address: %v", err)
	}
	if fresh.Type != domain.AddressPCI || fresh.PCI.Slot != 1 {
		t.Fatalf("EnsureAddr assigned %+v", fresh)
	}
}

func TestBusFullyReserved(t *testing.T) {
	s := newSet(t, 2, false)
	if err := s.SetBusModel(1, domain.PCIModelPCIeRootPort); err != nil {
		t.Fatalf("SetBusModel: %v", err)
	}
	if s.BusFullyReserved(1) {
		t.Fatalf("empty root port reported full")
	}
	mustReserve(t, s, domain.PCIAddress{Bus: 1}, PCIeDevice, true)
	if !s.BusFullyReserved(1) {
		t.Fatalf("root port with its only slot taken not reported full")
	}
	if s.BusFullyReserved(0) {
		t.Fatalf("empty root reported full")
	}
}
