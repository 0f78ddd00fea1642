// Package ccw hands out channel device numbers for virtio-ccw devices.
package ccw

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// ErrNoFreeDevno is matched by the error returned when the devno range is
// exhausted.
var ErrNoFreeDevno = errors.New("ccw: no free devno")

// AddressSet records the CCW addresses in use. It is not safe for
// concurrent use.
type AddressSet struct {
	defined map[string]struct{}
	next    domain.CCWAddress
}

// NewAddressSet returns an empty set whose first candidate is fe.0.0000.
func NewAddressSet() *AddressSet {
	return &AddressSet{
		defined: make(map[string]struct{}),
		next:    domain.CCWAddress{CSSID: domain.CCWCSSIDVirtio},
	}
}

// Next returns the next candidate address.
func (s *AddressSet) Next() domain.CCWAddress {
	return s.next
}

// Defined reports whether addr is in use.
func (s *AddressSet) Defined(addr domain.CCWAddress) bool {
	_, ok := s.defined[addr.String()]
	return ok
}

// List returns the addresses in use, sorted.
func (s *AddressSet) List() []string {
	out := make([]string, 0, len(s.defined))
	for k := range s.defined {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Assign records the address of a CCW device. Without autoassign it checks
// an address from the configuration for collisions; with autoassign it gives
// an unassigned device the next free devno. Other devices are left alone.
func (s *AddressSet) Assign(info *domain.DeviceInfo, autoassign bool) error {
	if info.Type != domain.AddressCCW {
		return nil
	}

	var key string
	switch {
	case !autoassign && info.CCW.Assigned:
		key = info.CCW.String()
		if _, ok := s.defined[key]; ok {
			return domain.ConfigErrorf("The CCW devno '%s' is in use already", key)
		}
	case autoassign && !info.CCW.Assigned:
		key = s.next.String()
		for {
			if _, ok := s.defined[key]; !ok {
				break
			}
			if s.next.Devno == domain.CCWMaxDevno {
				return domain.WrapErrorf(domain.ErrKindInternal, ErrNoFreeDevno,
					"There are no more free CCW devnos.")
			}
			s.next.Devno++
			key = s.next.String()
		}
		info.CCW = s.next
		info.CCW.Assigned = true
	default:
		return nil
	}

	s.defined[key] = struct{}{}
	slog.Debug("reserved CCW address", "addr", key, "auto", autoassign)
	return nil
}

// Validate checks and records an address from the configuration.
func (s *AddressSet) Validate(info *domain.DeviceInfo) error {
	return s.Assign(info, false)
}

// Allocate gives an unaddressed CCW device the next free devno.
func (s *AddressSet) Allocate(info *domain.DeviceInfo) error {
	return s.Assign(info, true)
}

// Release frees the address of info. Freeing a devno below the cursor
// moves the cursor back to it.
func (s *AddressSet) Release(info *domain.DeviceInfo) error {
	addr := info.CCW
	key := addr.String()
	if _, ok := s.defined[key]; !ok {
		return domain.InternalErrorf("CCW address %s is not in use", key)
	}
	delete(s.defined, key)

	if addr.CSSID == s.next.CSSID && addr.SSID == s.next.SSID && addr.Devno < s.next.Devno {
		s.next.Devno = addr.Devno
		s.next.Assigned = false
	}
	slog.Debug("released CCW address", "addr", key)
	return nil
}
