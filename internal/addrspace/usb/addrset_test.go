package usb

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/vmaddr/internal/domain"
)

func usbInfo(bus uint, port string) *domain.DeviceInfo {
	path, err := domain.ParseUSBPortPath(port)
	if err != nil {
		panic(err)
	}
	return &domain.DeviceInfo{Type: domain.AddressUSB, USB: domain.USBAddress{Bus: bus, Port: path}}
}

func newSet(t *testing.T, controllers ...*domain.Controller) *AddressSet {
	t.Helper()
	s := NewAddressSet()
	for _, c := range controllers {
		if err := s.AddController(c); err != nil {
			t.Fatalf("AddController(%d): %v", c.Index, err)
		}
	}
	return s
}

func TestModelToPorts(t *testing.T) {
	tests := []struct {
		model domain.USBModel
		ports int
		want  int
	}{
		{domain.USBModelDefault, 0, 2},
		{domain.USBModelPIIX3UHCI, 0, 2},
		{domain.USBModelPIIX4UHCI, 0, 2},
		{domain.USBModelVT82C686BUHCI, 0, 2},
		{domain.USBModelEHCI, 0, 6},
		{domain.USBModelICH9EHCI1, 0, 6},
		{domain.USBModelICH9UHCI1, 0, 0},
		{domain.USBModelICH9UHCI2, 0, 0},
		{domain.USBModelICH9UHCI3, 0, 0},
		{domain.USBModelPCIOHCI, 0, 3},
		{domain.USBModelNECXHCI, 0, 4},
		{domain.USBModelNECXHCI, 15, 15},
		{domain.USBModelQUSB1, 0, 8},
		{domain.USBModelQUSB2, 5, 5},
		{domain.USBModelNone, 0, 0},
	}
	for _, tc := range tests {
		c := &domain.Controller{Type: domain.ControllerUSB, USBModel: tc.model, Ports: tc.ports}
		if got := ModelToPorts(c); got != tc.want {
			t.Errorf("ModelToPorts(%s, %d) = %d, want %d", tc.model, tc.ports, got, tc.want)
		}
	}
}

func TestAddControllerDuplicate(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB, Index: 2, USBModel: domain.USBModelEHCI})
	if s.NumBuses() != 3 || !s.HasBus(2) || s.HasBus(0) {
		t.Fatalf("buses = %d, has(2)=%v has(0)=%v", s.NumBuses(), s.HasBus(2), s.HasBus(0))
	}

	err := s.AddController(&domain.Controller{Type: domain.ControllerUSB, Index: 2})
	if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "Duplicate USB controllers") {
		t.Fatalf("err = %v, want duplicate controller", err)
	}

	// Companions are skipped and never collide.
	if err := s.AddController(&domain.Controller{Type: domain.ControllerUSB, Index: 2, USBModel: domain.USBModelICH9UHCI1}); err != nil {
		t.Fatalf("companion: %v", err)
	}
}

func TestFindFreePortAfterRelease(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB, USBModel: domain.USBModelEHCI})

	for i := 0; i < 6; i++ {
		var info domain.DeviceInfo
		if err := s.Assign(&info); err != nil {
			t.Fatalf("Assign #%d: %v", i, err)
		}
		if got := info.USB.Port.String(); got != string(rune('1'+i)) {
			t.Fatalf("Assign #%d = %s", i, got)
		}
	}
	if _, ok := s.FindFreePort(0); ok {
		t.Fatalf("full hub reported a free port")
	}

	if err := s.Release(usbInfo(0, "4")); err != nil {
		t.Fatalf("Release: %v", err)
	}
	path, ok := s.FindFreePort(0)
	if !ok || path.String() != "4" {
		t.Fatalf("FindFreePort = %s, %v; want 4", path, ok)
	}
}

func TestAssignDescendsIntoHubs(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB})

	// Fill both root ports, the second with a hub.
	if err := s.Reserve(usbInfo(0, "1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.AddHub(&domain.Hub{Info: *usbInfo(0, "2")}); err != nil {
		t.Fatalf("AddHub: %v", err)
	}

	var info domain.DeviceInfo
	if err := s.Assign(&info); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if info.Type != domain.AddressUSB || info.USB.Port.String() != "2.1" {
		t.Fatalf("Assign = %+v, want port 2.1", info.USB)
	}
}

func TestDepthBound(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB, USBModel: domain.USBModelPCIOHCI, Index: 0})

	// Build a chain of hubs 3 -> 3.8 -> 3.8.8 and fill every other port.
	for _, p := range []string{"1", "2"} {
		if err := s.Reserve(usbInfo(0, p)); err != nil {
			t.Fatalf("Reserve %s: %v", p, err)
		}
	}
	chain := []string{"3", "3.8", "3.8.8"}
	for _, p := range chain {
		if err := s.AddHub(&domain.Hub{Info: *usbInfo(0, p)}); err != nil {
			t.Fatalf("AddHub %s: %v", p, err)
		}
		for port := 1; port < HubPorts; port++ {
			leaf := p + "." + string(rune('0'+port))
			if err := s.Reserve(usbInfo(0, leaf)); err != nil {
				t.Fatalf("Reserve %s: %v", leaf, err)
			}
		}
	}

	// The deepest hub still has port 8 free, at depth 4.
	path, ok := s.FindFreePort(0)
	if !ok || path.String() != "3.8.8.8" {
		t.Fatalf("FindFreePort = %s, %v; want 3.8.8.8", path, ok)
	}
	if path.Len() > domain.MaxUSBPortDepth {
		t.Fatalf("path %s deeper than %d", path, domain.MaxUSBPortDepth)
	}

	if err := s.Reserve(usbInfo(0, "3.8.8.8")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	var info domain.DeviceInfo
	if err := s.Assign(&info); !errors.Is(err, ErrNoFreePort) || !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("Assign on full tree err = %v, want ErrNoFreePort", err)
	}
	if info.Type != domain.AddressNone {
		t.Fatalf("failed Assign changed the device: %+v", info)
	}
}

func TestReserveErrors(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB})

	if err := s.Reserve(usbInfo(0, "1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := s.Reserve(usbInfo(0, "1"))
	if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "Duplicate USB address") {
		t.Fatalf("double reserve err = %v", err)
	}

	tests := []struct {
		name string
		info *domain.DeviceInfo
		msg  string
	}{
		{"missing bus", usbInfo(3, "1"), "Missing USB bus 3"},
		{"port out of range", usbInfo(0, "5.1"), "out of range"},
		{"no hub", usbInfo(0, "2.1"), "there is no hub at port 2"},
		{"last port out of range", usbInfo(0, "3"), "out of range"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Reserve(tc.info)
			if err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("err = %v, want %q", err, tc.msg)
			}
		})
	}

	// Addresses without a port path are not reserved.
	if err := s.Reserve(usbInfo(0, "")); err != nil {
		t.Fatalf("Reserve without port: %v", err)
	}
}

func TestReleaseIsInverseOfReserve(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB})
	info := usbInfo(0, "2")
	if err := s.Reserve(info); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Release(info); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Reserve(info); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestReleaseHub(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB})
	hub := &domain.Hub{Info: *usbInfo(0, "1")}
	if err := s.AddHub(hub); err != nil {
		t.Fatalf("AddHub: %v", err)
	}
	behind := usbInfo(0, "1.3")
	if err := s.Reserve(behind); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	err := s.Release(&hub.Info)
	if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "still has 1 devices attached") {
		t.Fatalf("Release(busy hub) err = %v", err)
	}
	if err := s.Release(behind); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(&hub.Info); err != nil {
		t.Fatalf("Release(hub): %v", err)
	}

	// The port is a plain root port again.
	if err := s.Reserve(usbInfo(0, "1.1")); err == nil || !strings.Contains(err.Error(), "there is no hub at port 1") {
		t.Fatalf("Reserve behind unplugged hub err = %v", err)
	}
	leaf := &domain.DeviceInfo{}
	if err := s.Assign(leaf); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if leaf.USB.Port.String() != "1" {
		t.Fatalf("Assign = %s, want port 1", leaf.USB.Port)
	}
}

func TestAddControllerIndexBound(t *testing.T) {
	for _, idx := range []uint{256, 4294967295, 18446744073709551615} {
		s := NewAddressSet()
		err := s.AddController(&domain.Controller{Type: domain.ControllerUSB, Index: idx, USBModel: domain.USBModelEHCI})
		if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "out of range") {
			t.Errorf("AddController(%d) err = %v, want out of range", idx, err)
		}
		if s.NumBuses() != 0 {
			t.Errorf("AddController(%d) grew the set to %d buses", idx, s.NumBuses())
		}
	}

	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB, Index: 255})
	if !s.HasBus(255) {
		t.Fatalf("bus 255 missing")
	}
}

func TestAssignRequestedBus(t *testing.T) {
	s := newSet(t,
		&domain.Controller{Type: domain.ControllerUSB, Index: 0},
		&domain.Controller{Type: domain.ControllerUSB, Index: 1, USBModel: domain.USBModelEHCI},
	)

	info := usbInfo(1, "")
	if err := s.Assign(info); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if info.USB.Bus != 1 || info.USB.Port.String() != "1" {
		t.Fatalf("Assign = %+v", info.USB)
	}

	err := s.Assign(usbInfo(4, ""))
	if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "no controller with that index") {
		t.Fatalf("err = %v, want missing controller", err)
	}

	// Fill bus 0; an unrestricted device spills onto bus 1.
	for i := 0; i < 2; i++ {
		if err := s.Assign(usbInfo(0, "")); err != nil {
			t.Fatalf("Assign bus 0 #%d: %v", i, err)
		}
	}
	if err := s.Assign(usbInfo(0, "")); !errors.Is(err, ErrNoFreePort) {
		t.Fatalf("err = %v, want ErrNoFreePort on full bus 0", err)
	}
	var free domain.DeviceInfo
	if err := s.Assign(&free); err != nil || free.USB.Bus != 1 {
		t.Fatalf("Assign = %+v, %v; want bus 1", free.USB, err)
	}
}

func TestEnsure(t *testing.T) {
	s := newSet(t, &domain.Controller{Type: domain.ControllerUSB})

	var none domain.DeviceInfo
	if err := s.Ensure(&none); err != nil || none.USB.Port.String() != "1" {
		t.Fatalf("Ensure(none) = %+v, %v", none.USB, err)
	}
	fixed := usbInfo(0, "2")
	if err := s.Ensure(fixed); err != nil {
		t.Fatalf("Ensure(fixed): %v", err)
	}
	if err := s.Ensure(usbInfo(0, "2")); err == nil {
		t.Fatalf("Ensure on taken port succeeded")
	}
	pci := &domain.DeviceInfo{Type: domain.AddressPCI}
	if err := s.Ensure(pci); err != nil || pci.Type != domain.AddressPCI {
		t.Fatalf("Ensure(pci) = %+v, %v", pci, err)
	}
}

func TestAddControllersAndCount(t *testing.T) {
	def := &domain.Def{
		Controllers: []*domain.Controller{
			{Type: domain.ControllerUSB, Index: 0, USBModel: domain.USBModelICH9EHCI1},
			{Type: domain.ControllerUSB, Index: 0, USBModel: domain.USBModelICH9UHCI1},
			{Type: domain.ControllerPCI, Index: 0},
		},
		Hubs: []*domain.Hub{
			{Info: *usbInfo(0, "1")},
			{Info: domain.DeviceInfo{}},
		},
	}
	s := NewAddressSet()
	if err := s.AddControllers(def); err != nil {
		t.Fatalf("AddControllers: %v", err)
	}
	if got := CountAllPorts(def); got != 6+8+8 {
		t.Fatalf("CountAllPorts = %d, want 22", got)
	}
	path, ok := s.FindFreePort(0)
	if !ok || path.String() != "2" {
		t.Fatalf("FindFreePort = %s, %v; want 2", path, ok)
	}

	if err := s.AddHub(&domain.Hub{Info: domain.DeviceInfo{Type: domain.AddressPCI}}); err == nil {
		t.Fatalf("AddHub with PCI address succeeded")
	}
	if err := s.AddHub(&domain.Hub{Info: *usbInfo(0, "1")}); err == nil ||
		!strings.Contains(err.Error(), "Duplicate USB hub") {
		t.Fatalf("duplicate hub err = %v", err)
	}
}
