package placement

// Options describes what the hypervisor supports. The zero value disables
// every optional feature; DefaultOptions enables them all.
type Options struct {
	// PCIBridge allows the PCI pass to size the bus list in a dry run and
	// add pci-bridge controllers for the buses it needed.
	PCIBridge bool
	// VirtioCCW places virtio devices of s390-ccw machines on the channel
	// subsystem.
	VirtioCCW bool
	// VirtioMMIO places virtio devices of ARM boards on virtio-mmio.
	VirtioMMIO bool
	// VideoPrimary lets the primary video card move off its fixed
	// chipset slot when that slot is taken.
	VideoPrimary bool
	// GPEX gives the ARM virt board a pcie-root.
	GPEX bool
	// VirtioSerialPorts is the port count of implicitly added
	// virtio-serial controllers. Zero selects the controller default.
	VirtioSerialPorts int
}

// DefaultOptions returns options with every feature enabled.
func DefaultOptions() Options {
	return Options{
		PCIBridge:    true,
		VirtioCCW:    true,
		VirtioMMIO:   true,
		VideoPrimary: true,
		GPEX:         true,
	}
}
