package spaprvio

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/tinyrange/vmaddr/internal/domain"
)

func regInfo(reg uint64) *domain.DeviceInfo {
	return &domain.DeviceInfo{
		Type:     domain.AddressSpaprVIO,
		SpaprVIO: domain.SpaprVIOAddress{Reg: reg, HasReg: true},
	}
}

func TestAssignStepsPastCollisions(t *testing.T) {
	s := NewAddressSet()
	if err := s.Reserve(regInfo(0x2000)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	var regs []uint64
	for range 3 {
		info := &domain.DeviceInfo{Type: domain.AddressSpaprVIO}
		if err := s.Assign(info, RegNet); err != nil {
			t.Fatalf("Assign: %v", err)
		}
		if info.Type != domain.AddressSpaprVIO || !info.SpaprVIO.HasReg {
			t.Fatalf("Assign left %+v", info)
		}
		regs = append(regs, info.SpaprVIO.Reg)
	}
	if want := []uint64{0x1000, 0x3000, 0x4000}; !reflect.DeepEqual(regs, want) {
		t.Fatalf("regs = %#x, want %#x", regs, want)
	}
	if want := []uint64{0x1000, 0x2000, 0x3000, 0x4000}; !reflect.DeepEqual(s.Regs(), want) {
		t.Fatalf("Regs() = %#x, want %#x", s.Regs(), want)
	}
}

func TestReserveDuplicate(t *testing.T) {
	s := NewAddressSet()
	if err := s.Reserve(regInfo(RegSerial)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := s.Reserve(regInfo(RegSerial))
	if !domain.IsConfigError(err) || !strings.Contains(err.Error(), "0x30000000 already in use") {
		t.Fatalf("err = %v, want a collision", err)
	}

	// Other address kinds and missing registers are ignored.
	if err := s.Reserve(&domain.DeviceInfo{Type: domain.AddressPCI}); err != nil {
		t.Fatalf("Reserve(pci): %v", err)
	}
	if err := s.Reserve(&domain.DeviceInfo{Type: domain.AddressSpaprVIO}); err != nil {
		t.Fatalf("Reserve(no reg): %v", err)
	}
	if len(s.Regs()) != 1 {
		t.Fatalf("Regs() = %#x", s.Regs())
	}
}

func TestNewAddressSetFromDomain(t *testing.T) {
	def := &domain.Def{
		Machine: "pseries",
		Arch:    "ppc64",
		Devices: []*domain.Device{
			{Kind: domain.DeviceNet, Info: *regInfo(0x1000)},
			{Kind: domain.DeviceNVRAM, Info: domain.DeviceInfo{Type: domain.AddressSpaprVIO}},
		},
		Controllers: []*domain.Controller{
			{Type: domain.ControllerSCSI, Info: *regInfo(0x2000)},
		},
	}
	s, err := NewAddressSetFromDomain(def)
	if err != nil {
		t.Fatalf("NewAddressSetFromDomain: %v", err)
	}
	if !s.InUse(0x1000) || !s.InUse(0x2000) || len(s.Regs()) != 2 {
		t.Fatalf("Regs() = %#x", s.Regs())
	}

	def.Devices = append(def.Devices, &domain.Device{Kind: domain.DeviceSerial, Info: *regInfo(0x2000)})
	if _, err := NewAddressSetFromDomain(def); !domain.IsConfigError(err) {
		t.Fatalf("duplicate reg err = %v", err)
	}
}

func TestEnsureAndRelease(t *testing.T) {
	s := NewAddressSet()

	auto := &domain.DeviceInfo{}
	if err := s.Ensure(auto, RegNVRAM); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if auto.AddressString() != "spapr-vio 0x3000" {
		t.Fatalf("Ensure = %s", auto.AddressString())
	}
	if err := s.Ensure(regInfo(0x3000), RegNVRAM); !domain.IsConfigError(err) {
		t.Fatalf("Ensure on a used reg err = %v", err)
	}

	if err := s.Release(auto); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.InUse(0x3000) {
		t.Fatalf("0x3000 still in use")
	}
	if err := s.Release(auto); !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("second Release err = %v", err)
	}
	if err := s.Ensure(regInfo(0x3000), RegNVRAM); err != nil {
		t.Fatalf("Ensure after release: %v", err)
	}
}

func TestAssignExhausted(t *testing.T) {
	s := NewAddressSet()
	top := uint64(math.MaxUint64 - 0xfff)
	if err := s.Reserve(regInfo(top)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := s.Assign(&domain.DeviceInfo{}, top)
	if !errors.Is(err, ErrNoFreeReg) || !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("err = %v, want ErrNoFreeReg", err)
	}
}
