// Package config reads domain descriptions and placement options from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tinyrange/vmaddr/internal/domain"
	"github.com/tinyrange/vmaddr/internal/placement"
	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds the size of any file this package reads.
const MaxFileSize = 1024 * 1024

// DomainFile is the YAML form of a domain definition.
type DomainFile struct {
	Name        string           `yaml:"name"`
	Arch        string           `yaml:"arch,omitempty"`
	Machine     string           `yaml:"machine"`
	Controllers []ControllerFile `yaml:"controllers,omitempty"`
	Hubs        []HubFile        `yaml:"hubs,omitempty"`
	Devices     []DeviceFile     `yaml:"devices,omitempty"`

	// Options may be given inline instead of in a separate file.
	Options *OptionsFile `yaml:"options,omitempty"`
}

type ControllerFile struct {
	Type    string   `yaml:"type"`
	Index   uint     `yaml:"index"`
	Model   string   `yaml:"model,omitempty"`
	Ports   int      `yaml:"ports,omitempty"`
	Alias   string   `yaml:"alias,omitempty"`
	Address *Address `yaml:"address,omitempty"`
}

type HubFile struct {
	Type    string   `yaml:"type"`
	Alias   string   `yaml:"alias,omitempty"`
	Address *Address `yaml:"address,omitempty"`
}

type DeviceFile struct {
	Kind    string   `yaml:"kind"`
	Alias   string   `yaml:"alias,omitempty"`
	Bus     string   `yaml:"bus,omitempty"`
	Model   string   `yaml:"model,omitempty"`
	Address *Address `yaml:"address,omitempty"`
}

// Address is the YAML form of a device address. When Type is empty it is
// inferred from whichever form is filled in.
type Address struct {
	Type          string               `yaml:"type,omitempty"`
	PCI           string               `yaml:"pci,omitempty"`
	Multifunction string               `yaml:"multifunction,omitempty"`
	USB           *USBAddress          `yaml:"usb,omitempty"`
	CCW           string               `yaml:"ccw,omitempty"`
	VirtioSerial  *VirtioSerialAddress `yaml:"virtio_serial,omitempty"`
	// SpaprVIO is the hex register of a pseries VIO device.
	SpaprVIO string `yaml:"spapr_vio,omitempty"`
}

type USBAddress struct {
	Bus  uint   `yaml:"bus"`
	Port string `yaml:"port,omitempty"`
}

type VirtioSerialAddress struct {
	Controller uint `yaml:"controller"`
	Port       uint `yaml:"port,omitempty"`
}

// OptionsFile is the YAML form of placement.Options. Unset switches keep
// their default.
type OptionsFile struct {
	PCIBridge         *bool `yaml:"pci_bridge"`
	VirtioCCW         *bool `yaml:"virtio_ccw"`
	VirtioMMIO        *bool `yaml:"virtio_mmio"`
	VideoPrimary      *bool `yaml:"video_primary"`
	GPEX              *bool `yaml:"gpex"`
	VirtioSerialPorts int   `yaml:"virtio_serial_ports,omitempty"`
}

// Apply overlays the switches set in f onto base.
func (f *OptionsFile) Apply(base placement.Options) placement.Options {
	if f == nil {
		return base
	}
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&base.PCIBridge, f.PCIBridge)
	set(&base.VirtioCCW, f.VirtioCCW)
	set(&base.VirtioMMIO, f.VirtioMMIO)
	set(&base.VideoPrimary, f.VideoPrimary)
	set(&base.GPEX, f.GPEX)
	if f.VirtioSerialPorts != 0 {
		base.VirtioSerialPorts = f.VirtioSerialPorts
	}
	return base
}

// ReadFile reads path, refusing anything larger than MaxFileSize.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("%s is too large (%d bytes, limit %d)", path, info.Size(), MaxFileSize)
	}
	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("%s is too large (limit %d bytes)", path, MaxFileSize)
	}
	return data, nil
}

// LoadDomain reads a domain description and the options embedded in it,
// applied over placement.DefaultOptions.
func LoadDomain(path string) (*domain.Def, placement.Options, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, placement.Options{}, fmt.Errorf("read domain: %w", err)
	}
	def, opts, err := ParseDomain(data)
	if err != nil {
		return nil, placement.Options{}, fmt.Errorf("parse %s: %w", path, err)
	}
	slog.Debug("loaded domain", "path", path, "name", def.Name, "devices", len(def.Devices))
	return def, opts, nil
}

// ParseDomain decodes a YAML domain description.
func ParseDomain(data []byte) (*domain.Def, placement.Options, error) {
	var file DomainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, placement.Options{}, domain.ConfigErrorf("invalid YAML: %v", err)
	}
	def, err := file.Def()
	if err != nil {
		return nil, placement.Options{}, err
	}
	return def, file.Options.Apply(placement.DefaultOptions()), nil
}

// LoadOptions reads a standalone options file, applied over
// placement.DefaultOptions.
func LoadOptions(path string) (placement.Options, error) {
	data, err := ReadFile(path)
	if err != nil {
		return placement.Options{}, fmt.Errorf("read options: %w", err)
	}
	opts, err := ParseOptions(data)
	if err != nil {
		return placement.Options{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return opts, nil
}

// ParseOptions decodes YAML placement options.
func ParseOptions(data []byte) (placement.Options, error) {
	var file OptionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return placement.Options{}, domain.ConfigErrorf("invalid YAML: %v", err)
	}
	if file.VirtioSerialPorts < 0 {
		return placement.Options{}, domain.ConfigErrorf("virtio_serial_ports must not be negative")
	}
	return file.Apply(placement.DefaultOptions()), nil
}

// MarshalDomain renders def, including every assigned address, as YAML.
func MarshalDomain(def *domain.Def) ([]byte, error) {
	return yaml.Marshal(FromDef(def))
}
