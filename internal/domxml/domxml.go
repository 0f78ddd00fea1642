// Package domxml maps libvirt domain XML onto domain.Def and writes the
// addresses placement assigns back into the document.
package domxml

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tinyrange/vmaddr/internal/domain"
	"libvirt.org/go/libvirtxml"
)

// Document is a parsed domain XML document together with the definition
// derived from it.
type Document struct {
	Domain *libvirtxml.Domain
	Def    *domain.Def

	bindings []binding
	bound    map[*domain.Controller]bool
}

// binding ties a DeviceInfo to the address field of the XML element it was
// read from. The field is found by index each time because the element
// slices may grow.
type binding struct {
	info *domain.DeviceInfo
	addr func() **libvirtxml.DomainAddress
}

// Parse decodes a domain XML document.
func Parse(doc string) (*Document, error) {
	dom := &libvirtxml.Domain{}
	if err := dom.Unmarshal(doc); err != nil {
		return nil, domain.ConfigErrorf("invalid domain XML: %v", err)
	}
	return FromDomain(dom)
}

// FromDomain builds a Document around an already decoded domain.
func FromDomain(dom *libvirtxml.Domain) (*Document, error) {
	d := &Document{
		Domain: dom,
		Def:    &domain.Def{Name: dom.Name},
		bound:  make(map[*domain.Controller]bool),
	}
	if dom.OS != nil && dom.OS.Type != nil {
		d.Def.Arch = dom.OS.Type.Arch
		d.Def.Machine = dom.OS.Type.Machine
	}
	if d.Def.Machine == "" {
		return nil, domain.ConfigErrorf("domain %q has no machine type", dom.Name)
	}
	if dom.Devices == nil {
		dom.Devices = &libvirtxml.DomainDeviceList{}
	}

	if err := d.readControllers(); err != nil {
		return nil, err
	}
	if err := d.readHubs(); err != nil {
		return nil, err
	}
	if err := d.readDevices(); err != nil {
		return nil, err
	}
	slog.Debug("parsed domain XML", "name", d.Def.Name, "machine", d.Def.Machine,
		"controllers", len(d.Def.Controllers), "devices", len(d.Def.Devices))
	return d, nil
}

func (d *Document) readControllers() error {
	list := d.Domain.Devices
	type key struct {
		t   domain.ControllerType
		idx uint
	}
	used := make(map[key]bool)
	for i := range list.Controllers {
		xc := &list.Controllers[i]
		t, err := domain.ParseControllerType(xc.Type)
		if err != nil {
			return fmt.Errorf("controller %d: %w", i, err)
		}
		if xc.Index != nil {
			used[key{t, *xc.Index}] = true
		}
	}

	for i := range list.Controllers {
		xc := &list.Controllers[i]
		t, _ := domain.ParseControllerType(xc.Type)
		c := &domain.Controller{Type: t}
		if xc.Index != nil {
			c.Index = *xc.Index
		} else {
			// Unindexed controllers take the lowest free index of their type.
			for used[key{t, c.Index}] {
				c.Index++
			}
			used[key{t, c.Index}] = true
			idx := c.Index
			xc.Index = &idx
		}

		var err error
		switch t {
		case domain.ControllerPCI:
			c.PCIModel, err = d.pciModel(xc.Model, c.Index)
		case domain.ControllerUSB:
			c.USBModel, err = domain.ParseUSBModel(xc.Model)
			if xc.USB != nil && xc.USB.Port != nil {
				c.Ports = int(*xc.USB.Port)
			}
		case domain.ControllerVirtioSerial:
			c.Model = xc.Model
			if xc.VirtIOSerial != nil && xc.VirtIOSerial.Ports != nil {
				c.Ports = int(*xc.VirtIOSerial.Ports)
			}
		default:
			c.Model = xc.Model
		}
		if err != nil {
			return fmt.Errorf("controller %s %d: %w", xc.Type, c.Index, err)
		}

		if err := d.bind(&c.Info, xc.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Controllers[i].Address
		}); err != nil {
			return fmt.Errorf("controller %s %d: %w", xc.Type, c.Index, err)
		}
		d.Def.Controllers = append(d.Def.Controllers, c)
		d.bound[c] = true
	}
	return nil
}

// pciModel resolves the model of a pci controller, defaulting an empty one
// the way the machine type expects.
func (d *Document) pciModel(name string, idx uint) (domain.PCIModel, error) {
	switch {
	case name != "":
		return domain.ParsePCIModel(name)
	case idx > 0:
		return domain.PCIModelPCIBridge, nil
	case d.Def.IsQ35(), d.Def.IsARM() && d.Def.IsARMVirt():
		return domain.PCIModelPCIeRoot, nil
	default:
		return domain.PCIModelPCIRoot, nil
	}
}

func (d *Document) readHubs() error {
	for i := range d.Domain.Devices.Hubs {
		xh := &d.Domain.Devices.Hubs[i]
		if xh.Type != "usb" {
			return domain.ConfigErrorf("hub %d: unknown hub type %q", i, xh.Type)
		}
		h := &domain.Hub{Type: domain.HubUSB}
		if err := d.bind(&h.Info, xh.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Hubs[i].Address
		}); err != nil {
			return fmt.Errorf("hub %d: %w", i, err)
		}
		d.Def.Hubs = append(d.Def.Hubs, h)
	}
	return nil
}

func (d *Document) readDevices() error {
	list := d.Domain.Devices

	add := func(kind domain.DeviceKind, i int, bus, model string, alias *libvirtxml.DomainAlias,
		addr func() **libvirtxml.DomainAddress) error {
		dev := &domain.Device{Kind: kind, Bus: bus, Model: model}
		if err := d.bind(&dev.Info, alias, addr); err != nil {
			return fmt.Errorf("%s %d: %w", kind, i, err)
		}
		d.Def.Devices = append(d.Def.Devices, dev)
		return nil
	}

	for i := range list.Disks {
		x := &list.Disks[i]
		var bus string
		if x.Target != nil {
			bus = x.Target.Bus
		}
		if err := add(domain.DeviceDisk, i, bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Disks[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Filesystems {
		x := &list.Filesystems[i]
		if err := add(domain.DeviceFilesystem, i, "", "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Filesystems[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Interfaces {
		x := &list.Interfaces[i]
		var bus, model string
		if x.Model != nil {
			model = x.Model.Type
		}
		if x.Source != nil && x.Source.Hostdev != nil {
			bus = "hostdev"
		}
		if err := add(domain.DeviceNet, i, bus, model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Interfaces[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Sounds {
		x := &list.Sounds[i]
		if err := add(domain.DeviceSound, i, "", x.Model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Sounds[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Videos {
		x := &list.Videos[i]
		if err := add(domain.DeviceVideo, i, "", x.Model.Type, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Videos[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Hostdevs {
		x := &list.Hostdevs[i]
		var bus string
		switch {
		case x.SubsysPCI != nil:
			bus = "pci"
		case x.SubsysUSB != nil:
			bus = "usb"
		case x.SubsysSCSI != nil:
			bus = "scsi"
		}
		if err := add(domain.DeviceHostdev, i, bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Hostdevs[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Watchdogs {
		x := &list.Watchdogs[i]
		if err := add(domain.DeviceWatchdog, i, "", x.Model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Watchdogs[i].Address
		}); err != nil {
			return err
		}
	}
	if x := list.MemBalloon; x != nil {
		if err := add(domain.DeviceMemballoon, 0, "", x.Model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.MemBalloon.Address
		}); err != nil {
			return err
		}
	}
	for i := range list.RNGs {
		x := &list.RNGs[i]
		if err := add(domain.DeviceRNG, i, "", x.Model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.RNGs[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Shmems {
		x := &list.Shmems[i]
		if err := add(domain.DeviceShmem, i, "", "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Shmems[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Inputs {
		x := &list.Inputs[i]
		if err := add(domain.DeviceInput, i, x.Bus, x.Model, x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Inputs[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Serials {
		x := &list.Serials[i]
		var bus string
		if x.Target != nil {
			// pci-serial, usb-serial, isa-serial
			bus = strings.TrimSuffix(x.Target.Type, "-serial")
		}
		if err := add(domain.DeviceSerial, i, bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Serials[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Consoles {
		x := &list.Consoles[i]
		var bus string
		if x.Target != nil {
			bus = x.Target.Type
		}
		if err := add(domain.DeviceConsole, i, bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Consoles[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.Channels {
		x := &list.Channels[i]
		var bus string
		if x.Target != nil && x.Target.VirtIO != nil {
			bus = "virtio"
		}
		if err := add(domain.DeviceChannel, i, bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Channels[i].Address
		}); err != nil {
			return err
		}
	}
	for i := range list.RedirDevs {
		x := &list.RedirDevs[i]
		if err := add(domain.DeviceRedirdev, i, x.Bus, "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.RedirDevs[i].Address
		}); err != nil {
			return err
		}
	}
	if x := list.NVRAM; x != nil {
		if err := add(domain.DeviceNVRAM, 0, "", "", x.Alias, func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.NVRAM.Address
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) bind(info *domain.DeviceInfo, alias *libvirtxml.DomainAlias, addr func() **libvirtxml.DomainAddress) error {
	if alias != nil {
		info.Alias = alias.Name
	}
	if err := readAddress(info, *addr()); err != nil {
		return err
	}
	d.bindings = append(d.bindings, binding{info: info, addr: addr})
	return nil
}

// Sync writes every address in Def back into the XML document. Controllers
// added to Def after parsing are appended to the document.
func (d *Document) Sync() {
	list := d.Domain.Devices
	for _, c := range d.Def.Controllers {
		if d.bound[c] {
			continue
		}
		list.Controllers = append(list.Controllers, controllerXML(c))
		i := len(list.Controllers) - 1
		d.bindings = append(d.bindings, binding{info: &c.Info, addr: func() **libvirtxml.DomainAddress {
			return &d.Domain.Devices.Controllers[i].Address
		}})
		d.bound[c] = true
		slog.Debug("added controller to document", "type", c.Type.String(), "index", c.Index)
	}

	for _, b := range d.bindings {
		p := b.addr()
		*p = writeAddress(b.info, *p)
	}
}

// Marshal syncs the document and renders it as XML.
func (d *Document) Marshal() (string, error) {
	d.Sync()
	out, err := d.Domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML: %w", err)
	}
	return out, nil
}

func controllerXML(c *domain.Controller) libvirtxml.DomainController {
	idx := c.Index
	xc := libvirtxml.DomainController{
		Type:  c.Type.String(),
		Index: &idx,
		Model: c.ModelString(),
	}
	if c.Ports > 0 {
		ports := uint(c.Ports)
		switch c.Type {
		case domain.ControllerUSB:
			xc.USB = &libvirtxml.DomainControllerUSB{Port: &ports}
		case domain.ControllerVirtioSerial:
			xc.VirtIOSerial = &libvirtxml.DomainControllerVirtIOSerial{Ports: &ports}
		}
	}
	return xc
}
