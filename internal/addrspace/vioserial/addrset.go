// Package vioserial allocates ports on virtio-serial controllers.
package vioserial

import (
	"errors"
	"log/slog"
	"sort"

	"github.com/tinyrange/vmaddr/internal/bitmap"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// DefaultPorts is the port count of a controller that does not set one.
const DefaultPorts = 31

// ErrNoFreePort is matched by the error returned when no controller has a
// free port and none may be added.
var ErrNoFreePort = errors.New("vioserial: no free port")

type controller struct {
	idx   uint
	ports *bitmap.Bitmap
}

// AddressSet holds the port maps of the virtio-serial controllers, ordered
// by index. It is not safe for concurrent use.
type AddressSet struct {
	controllers []*controller
}

// NewAddressSet returns an empty set.
func NewAddressSet() *AddressSet {
	return &AddressSet{}
}

// NewAddressSetFromDomain adds the controllers of def and reserves every
// complete virtio-serial address it holds.
func NewAddressSetFromDomain(def *domain.Def) (*AddressSet, error) {
	s := NewAddressSet()
	if err := s.AddControllers(def); err != nil {
		return nil, err
	}
	err := def.ForEachInfo(func(_ domain.Entry, info *domain.DeviceInfo) error {
		return s.Reserve(info)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Controllers returns the controller indexes in order.
func (s *AddressSet) Controllers() []uint {
	out := make([]uint, len(s.controllers))
	for i, c := range s.controllers {
		out[i] = c.idx
	}
	return out
}

func (s *AddressSet) find(idx uint) *controller {
	for _, c := range s.controllers {
		if c.idx == idx {
			return c
		}
	}
	return nil
}

// AddController adds the ports of a virtio-serial controller. Other
// controller types are ignored.
func (s *AddressSet) AddController(c *domain.Controller) error {
	if c.Type != domain.ControllerVirtioSerial {
		return nil
	}
	ports := c.Ports
	if ports <= 0 {
		ports = DefaultPorts
	}
	slog.Debug("adding virtio-serial controller", "index", c.Index, "ports", ports)

	at := sort.Search(len(s.controllers), func(i int) bool {
		return s.controllers[i].idx >= c.Index
	})
	if at < len(s.controllers) && s.controllers[at].idx == c.Index {
		return domain.InternalErrorf("virtio serial controller with index %d already exists in the address set", c.Index)
	}

	cont := &controller{idx: c.Index, ports: bitmap.New(uint(ports))}
	s.controllers = append(s.controllers, nil)
	copy(s.controllers[at+1:], s.controllers[at:])
	s.controllers[at] = cont
	return nil
}

// AddControllers adds every virtio-serial controller of def.
func (s *AddressSet) AddControllers(def *domain.Def) error {
	for _, c := range def.Controllers {
		if err := s.AddController(c); err != nil {
			return err
		}
	}
	return nil
}

// Next finds a free port on any controller. Port 0 is only considered when
// allowZero is set. If every controller is full and def is not nil, a new
// controller is added to def at the lowest unused index.
func (s *AddressSet) Next(def *domain.Def, allowZero bool) (domain.VirtioSerialAddress, error) {
	var addr domain.VirtioSerialAddress

	startPort := 0
	if allowZero {
		startPort = -1
	}

	if len(s.controllers) == 0 {
		return addr, domain.InternalErrorf("no virtio-serial controllers are available")
	}

	for _, c := range s.controllers {
		if port := c.ports.NextClear(startPort); port >= 0 {
			addr.Controller = c.idx
			addr.Port = uint(port)
			slog.Debug("found free virtio-serial port", "controller", addr.Controller, "port", addr.Port)
			return addr, nil
		}
	}

	if def != nil {
		for idx := uint(0); ; idx++ {
			if def.FindController(domain.ControllerVirtioSerial, idx) >= 0 {
				continue
			}
			cont := &domain.Controller{Type: domain.ControllerVirtioSerial, Index: idx}
			def.MaybeAddController(cont)
			if err := s.AddController(cont); err != nil {
				return addr, err
			}
			addr.Controller = idx
			addr.Port = uint(startPort + 1)
			slog.Debug("added virtio-serial controller", "controller", idx, "port", addr.Port)
			return addr, nil
		}
	}

	return addr, domain.WrapErrorf(domain.ErrKindConfig, ErrNoFreePort,
		"Unable to find a free virtio-serial port")
}

// NextFromController finds a free port other than 0 on controller idx.
func (s *AddressSet) NextFromController(idx uint) (domain.VirtioSerialAddress, error) {
	addr := domain.VirtioSerialAddress{Controller: idx}

	c := s.find(idx)
	if c == nil {
		return addr, domain.InternalErrorf("virtio-serial controller %d not available", idx)
	}
	port := c.ports.NextClear(0)
	if port <= 0 {
		return addr, domain.WrapErrorf(domain.ErrKindConfig, ErrNoFreePort,
			"Unable to find a free port on virtio-serial controller %d", idx)
	}
	addr.Port = uint(port)
	slog.Debug("found free virtio-serial port", "controller", idx, "port", addr.Port)
	return addr, nil
}

// IsComplete reports whether info names a virtio-serial port.
func IsComplete(info *domain.DeviceInfo) bool {
	return info.Type == domain.AddressVirtioSerial && info.VirtioSerial.Port != 0
}

// Assign picks a port for info and reserves it. With portOnly the
// controller already named by info is kept. With allowZero the choice is
// reserved but not written back, leaving port 0 implicit for consoles.
func (s *AddressSet) Assign(def *domain.Def, info *domain.DeviceInfo, allowZero, portOnly bool) error {
	target := info
	if allowZero {
		target = &domain.DeviceInfo{}
	}
	target.Type = domain.AddressVirtioSerial

	var (
		addr domain.VirtioSerialAddress
		err  error
	)
	if portOnly {
		addr, err = s.NextFromController(target.VirtioSerial.Controller)
	} else {
		addr, err = s.Next(def, allowZero)
	}
	if err != nil {
		return err
	}
	target.VirtioSerial = addr

	return s.Reserve(target)
}

// AutoAssign reserves the port info names, or assigns one if it has none.
func (s *AddressSet) AutoAssign(def *domain.Def, info *domain.DeviceInfo, allowZero bool) error {
	portOnly := info.Type == domain.AddressVirtioSerial
	if portOnly && info.VirtioSerial.Port != 0 {
		return s.Reserve(info)
	}
	return s.Assign(def, info, allowZero, portOnly)
}

// Reserve marks the port of a complete virtio-serial address as used.
func (s *AddressSet) Reserve(info *domain.DeviceInfo) error {
	if !IsComplete(info) {
		return nil
	}
	addr := info.VirtioSerial
	slog.Debug("reserving virtio-serial port", "controller", addr.Controller, "port", addr.Port)

	c := s.find(addr.Controller)
	if c == nil {
		return domain.ConfigErrorf("virtio serial controller %d is missing", addr.Controller)
	}
	used, err := c.ports.Get(addr.Port)
	if err != nil {
		return domain.ConfigErrorf("virtio serial controller %d does not have port %d", addr.Controller, addr.Port)
	}
	if used {
		return domain.ConfigErrorf("virtio serial port %d on controller %d is already occupied",
			addr.Port, addr.Controller)
	}
	return c.ports.Set(addr.Port)
}

// Release frees the port of a complete virtio-serial address.
func (s *AddressSet) Release(info *domain.DeviceInfo) error {
	if !IsComplete(info) {
		return nil
	}
	addr := info.VirtioSerial
	slog.Debug("releasing virtio-serial port", "controller", addr.Controller, "port", addr.Port)

	c := s.find(addr.Controller)
	if c == nil {
		return domain.ConfigErrorf("virtio serial controller %d is missing", addr.Controller)
	}
	used, err := c.ports.Get(addr.Port)
	if err != nil {
		return domain.ConfigErrorf("virtio serial controller %d does not have port %d", addr.Controller, addr.Port)
	}
	if !used {
		return domain.InternalErrorf("virtio serial port %d on controller %d is not in use",
			addr.Port, addr.Controller)
	}
	return c.ports.Clear(addr.Port)
}
