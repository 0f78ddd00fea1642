// Package spaprvio hands out register addresses on the pseries VIO bus.
package spaprvio

import (
	"errors"
	"log/slog"
	"math"
	"slices"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// First registers tried for each kind of VIO device. They match the
// defaults QEMU gives spapr-vlan, ibmvscsi, nvram and spapr-vty.
const (
	RegNet    = 0x1000
	RegSCSI   = 0x2000
	RegNVRAM  = 0x3000
	RegSerial = 0x30000000
)

// RegStep is the distance between automatically assigned registers.
const RegStep = 0x1000

// ErrNoFreeReg is matched by the error returned when no register above the
// default is free.
var ErrNoFreeReg = errors.New("spapr-vio: no free reg")

// AddressSet records the registers in use. It is not safe for concurrent
// use.
type AddressSet struct {
	used map[uint64]struct{}
}

// NewAddressSet returns an empty set.
func NewAddressSet() *AddressSet {
	return &AddressSet{used: make(map[uint64]struct{})}
}

// NewAddressSetFromDomain returns a set holding every register def already
// names. Two elements naming the same register are a configuration error.
func NewAddressSetFromDomain(def *domain.Def) (*AddressSet, error) {
	s := NewAddressSet()
	err := def.ForEachInfo(func(_ domain.Entry, info *domain.DeviceInfo) error {
		return s.Reserve(info)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InUse reports whether reg is taken.
func (s *AddressSet) InUse(reg uint64) bool {
	_, ok := s.used[reg]
	return ok
}

// Regs returns the registers in use, sorted.
func (s *AddressSet) Regs() []uint64 {
	out := make([]uint64, 0, len(s.used))
	for reg := range s.used {
		out = append(out, reg)
	}
	slices.Sort(out)
	return out
}

// Reserve marks the register of a spapr-vio address as used. Infos without
// a register are ignored.
func (s *AddressSet) Reserve(info *domain.DeviceInfo) error {
	if info.Type != domain.AddressSpaprVIO || !info.SpaprVIO.HasReg {
		return nil
	}
	reg := info.SpaprVIO.Reg
	if s.InUse(reg) {
		return domain.ConfigErrorf("spapr-vio address %#x already in use", reg)
	}
	s.used[reg] = struct{}{}
	slog.Debug("reserved spapr-vio address", "reg", info.SpaprVIO.String())
	return nil
}

// Assign gives info the first free register at or above def, stepping by
// RegStep.
func (s *AddressSet) Assign(info *domain.DeviceInfo, def uint64) error {
	reg := def
	for s.InUse(reg) {
		if reg > math.MaxUint64-RegStep {
			return domain.WrapErrorf(domain.ErrKindInternal, ErrNoFreeReg,
				"no free spapr-vio address above %#x", def)
		}
		reg += RegStep
	}

	info.Type = domain.AddressSpaprVIO
	info.SpaprVIO = domain.SpaprVIOAddress{Reg: reg, HasReg: true}
	s.used[reg] = struct{}{}
	slog.Debug("assigned spapr-vio address", "reg", info.SpaprVIO.String(), "default", def)
	return nil
}

// Ensure reserves the register info names, or assigns one starting at def.
func (s *AddressSet) Ensure(info *domain.DeviceInfo, def uint64) error {
	if info.SpaprVIO.HasReg {
		info.Type = domain.AddressSpaprVIO
		return s.Reserve(info)
	}
	return s.Assign(info, def)
}

// Release frees the register of info.
func (s *AddressSet) Release(info *domain.DeviceInfo) error {
	if info.Type != domain.AddressSpaprVIO || !info.SpaprVIO.HasReg {
		return nil
	}
	reg := info.SpaprVIO.Reg
	if !s.InUse(reg) {
		return domain.InternalErrorf("spapr-vio address %#x is not in use", reg)
	}
	delete(s.used, reg)
	slog.Debug("released spapr-vio address", "reg", info.SpaprVIO.String())
	return nil
}
