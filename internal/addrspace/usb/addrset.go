// Package usb tracks the port tree of a guest's USB controllers and hubs.
package usb

import (
	"errors"
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/bitmap"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// HubPorts is the number of ports of a USB hub device.
const HubPorts = 8

// maxControllers bounds the index of a USB controller.
const maxControllers = 256

// ErrNoFreePort is matched by the error returned when no bus has a free port.
var ErrNoFreePort = errors.New("usb: no free port")

// ModelToPorts returns how many root ports a controller provides. The ICH9
// UHCI companions report 0 since their ports belong to the paired EHCI1.
func ModelToPorts(c *domain.Controller) int {
	switch c.USBModel {
	case domain.USBModelDefault, domain.USBModelPIIX3UHCI,
		domain.USBModelPIIX4UHCI, domain.USBModelVT82C686BUHCI:
		return 2
	case domain.USBModelEHCI, domain.USBModelICH9EHCI1:
		return 6
	case domain.USBModelICH9UHCI1, domain.USBModelICH9UHCI2, domain.USBModelICH9UHCI3:
		return 0
	case domain.USBModelPCIOHCI:
		return 3
	case domain.USBModelNECXHCI:
		if c.Ports > 0 {
			return c.Ports
		}
		return 4
	case domain.USBModelQUSB1, domain.USBModelQUSB2:
		if c.Ports > 0 {
			return c.Ports
		}
		return 8
	case domain.USBModelNone, domain.USBModelLast:
	}
	return 0
}

// hub is a controller root hub or a hub device. ports[i] is the hub plugged
// into port i+1, or nil.
type hub struct {
	ports   []*hub
	portmap *bitmap.Bitmap
}

func newHub(nports int) *hub {
	return &hub{
		ports:   make([]*hub, nports),
		portmap: bitmap.New(uint(nports)),
	}
}

// AddressSet holds one root hub per USB controller index. It is not safe for
// concurrent use.
type AddressSet struct {
	buses []*hub
}

// NewAddressSet returns an empty set.
func NewAddressSet() *AddressSet {
	return &AddressSet{}
}

// NumBuses returns the number of bus slots, including empty ones.
func (s *AddressSet) NumBuses() int {
	return len(s.buses)
}

// HasBus reports whether a controller occupies bus idx.
func (s *AddressSet) HasBus(idx uint) bool {
	return idx < uint(len(s.buses)) && s.buses[idx] != nil
}

// AddController adds the root hub of a USB controller. Companion
// controllers without ports are skipped.
func (s *AddressSet) AddController(c *domain.Controller) error {
	nports := ModelToPorts(c)
	slog.Debug("adding USB controller", "model", c.USBModel.String(), "index", c.Index, "ports", nports)

	if c.Index >= maxControllers {
		return domain.ConfigErrorf("USB controller index %d is out of range (max %d)", c.Index, maxControllers-1)
	}
	if nports == 0 {
		return nil
	}

	if uint(len(s.buses)) <= c.Index {
		grown := make([]*hub, c.Index+1)
		copy(grown, s.buses)
		s.buses = grown
	} else if s.buses[c.Index] != nil {
		return domain.ConfigErrorf("Duplicate USB controllers with index %d", c.Index)
	}

	s.buses[c.Index] = newHub(nports)
	return nil
}

// findPort walks the port path of addr down to the hub owning its last
// port and returns that hub and the port's index in it.
func (s *AddressSet) findPort(addr domain.USBAddress) (*hub, int, error) {
	if !s.HasBus(addr.Bus) {
		return nil, 0, domain.ConfigErrorf("Missing USB bus %d", addr.Bus)
	}
	h := s.buses[addr.Bus]
	portStr := addr.Port.String()

	lastIdx := addr.Port.LastIndex()
	for i := 0; i < lastIdx; i++ {
		portIdx := int(addr.Port[i]) - 1
		if portIdx < 0 || portIdx >= len(h.ports) {
			return nil, 0, domain.ConfigErrorf("port %d out of range in USB address bus: %d port: %s",
				addr.Port[i], addr.Bus, portStr)
		}
		h = h.ports[portIdx]
		if h == nil {
			return nil, 0, domain.ConfigErrorf("there is no hub at port %d in USB address bus: %d port: %s",
				addr.Port[i], addr.Bus, portStr)
		}
	}

	target := int(addr.Port[lastIdx]) - 1
	if target < 0 || target >= len(h.ports) {
		return nil, 0, domain.ConfigErrorf("port %d out of range in USB address bus: %d port: %s",
			addr.Port[lastIdx], addr.Bus, portStr)
	}
	return h, target, nil
}

// AddHub plugs an 8-port hub device into the port its address names. The
// port is marked used whether or not a device reservation already did so.
func (s *AddressSet) AddHub(h *domain.Hub) error {
	if h.Info.Type != domain.AddressUSB {
		return domain.ConfigErrorf("Wrong address type for USB hub")
	}

	addr := h.Info.USB
	slog.Debug("adding USB hub", "ports", HubPorts, "bus", addr.Bus, "port", addr.Port.String())

	target, port, err := s.findPort(addr)
	if err != nil {
		return err
	}
	if target.ports[port] != nil {
		return domain.ConfigErrorf("Duplicate USB hub on bus %d port %s", addr.Bus, addr.Port)
	}
	if err := target.portmap.Set(uint(port)); err != nil {
		return domain.InternalErrorf("%v", err)
	}
	target.ports[port] = newHub(HubPorts)
	return nil
}

// AddControllers adds every USB controller of def, then every USB hub that
// already has a port. Hubs without one are placed later like any other
// device.
func (s *AddressSet) AddControllers(def *domain.Def) error {
	for _, c := range def.Controllers {
		if c.Type != domain.ControllerUSB {
			continue
		}
		if err := s.AddController(c); err != nil {
			return err
		}
	}
	for _, h := range def.Hubs {
		if h.Type != domain.HubUSB || h.Info.Type != domain.AddressUSB || !h.Info.USB.Port.Valid() {
			continue
		}
		if err := s.AddHub(h); err != nil {
			return err
		}
	}
	return nil
}

// findFreePort searches h and then the hubs plugged into it, in port order,
// for a clear port. The chosen port for this level is written to
// path[level].
func findFreePort(h *hub, path *domain.USBPortPath, level int) bool {
	if idx := h.portmap.NextClear(-1); idx >= 0 {
		path[level] = uint(idx + 1)
		slog.Debug("found a free USB port", "port", idx+1, "level", level)
		return true
	}

	if level >= domain.MaxUSBPortDepth-1 {
		return false
	}

	for i, child := range h.ports {
		if child == nil {
			continue
		}
		slog.Debug("looking at USB hub", "level", level, "port", i+1)
		if !findFreePort(child, path, level+1) {
			continue
		}
		path[level] = uint(i + 1)
		return true
	}
	return false
}

// FindFreePort returns the first free port path on bus idx.
func (s *AddressSet) FindFreePort(idx uint) (domain.USBPortPath, bool) {
	var path domain.USBPortPath
	if !s.HasBus(idx) {
		return path, false
	}
	ok := findFreePort(s.buses[idx], &path, 0)
	return path, ok
}

// assignFromBus takes the first free port of bus idx for info. It reports
// false if the bus has no free port.
func (s *AddressSet) assignFromBus(info *domain.DeviceInfo, idx uint) (bool, error) {
	path, ok := s.FindFreePort(idx)
	if !ok {
		return false, nil
	}

	info.Type = domain.AddressUSB
	info.USB = domain.USBAddress{Bus: idx, Port: path}
	slog.Debug("assigning USB address", "bus", idx, "port", path.String())
	if err := s.Reserve(info); err != nil {
		return false, err
	}
	return true, nil
}

// Assign gives info a free port. A USB address naming a bus limits the
// search to that bus; otherwise buses are tried in index order.
func (s *AddressSet) Assign(info *domain.DeviceInfo) error {
	if info.Type == domain.AddressUSB {
		bus := info.USB.Bus
		slog.Debug("a USB port was requested", "bus", bus)
		if !s.HasBus(bus) {
			return domain.ConfigErrorf("USB bus %d requested but no controller with that index is present", bus)
		}
		if ok, err := s.assignFromBus(info, bus); ok || err != nil {
			return err
		}
	} else {
		slog.Debug("looking for a free USB port on all the buses")
		for i := range s.buses {
			if ok, err := s.assignFromBus(info, uint(i)); ok || err != nil {
				return err
			}
		}
	}
	return domain.WrapErrorf(domain.ErrKindInternal, ErrNoFreePort, "No free USB ports")
}

// Reserve marks the port of a USB address as used. Infos without a USB port
// path are ignored.
func (s *AddressSet) Reserve(info *domain.DeviceInfo) error {
	if info.Type != domain.AddressUSB || !info.USB.Port.Valid() {
		return nil
	}
	addr := info.USB
	slog.Debug("reserving USB address", "bus", addr.Bus, "port", addr.Port.String())

	target, port, err := s.findPort(addr)
	if err != nil {
		return err
	}
	if target.portmap.IsSet(uint(port)) {
		return domain.ConfigErrorf("Duplicate USB address bus %d port %s", addr.Bus, addr.Port)
	}
	if err := target.portmap.Set(uint(port)); err != nil {
		return domain.InternalErrorf("%v", err)
	}
	return nil
}

// Ensure assigns a port to an unaddressed device and reserves the port of
// an addressed one.
func (s *AddressSet) Ensure(info *domain.DeviceInfo) error {
	switch {
	case info.Type == domain.AddressNone,
		info.Type == domain.AddressUSB && !info.USB.Port.Valid():
		return s.Assign(info)
	case info.Type == domain.AddressUSB:
		return s.Reserve(info)
	}
	return nil
}

// Release frees the port of a USB address. A hub on that port is unplugged
// with it, which fails while devices still sit behind the hub.
func (s *AddressSet) Release(info *domain.DeviceInfo) error {
	if info.Type != domain.AddressUSB || !info.USB.Port.Valid() {
		return nil
	}
	addr := info.USB
	slog.Debug("releasing USB address", "bus", addr.Bus, "port", addr.Port.String())

	target, port, err := s.findPort(addr)
	if err != nil {
		return err
	}
	if child := target.ports[port]; child != nil {
		if n := child.portmap.Count(); n > 0 {
			return domain.ConfigErrorf("USB hub on bus %d port %s still has %d devices attached", addr.Bus, addr.Port, n)
		}
		target.ports[port] = nil
	}
	if err := target.portmap.Clear(uint(port)); err != nil {
		return domain.InternalErrorf("%v", err)
	}
	return nil
}

// CountAllPorts sums the root ports of every USB controller and the ports of
// every USB hub of def.
func CountAllPorts(def *domain.Def) int {
	n := 0
	for _, c := range def.Controllers {
		if c.Type == domain.ControllerUSB {
			n += ModelToPorts(c)
		}
	}
	for _, h := range def.Hubs {
		if h.Type == domain.HubUSB {
			n += HubPorts
		}
	}
	return n
}
