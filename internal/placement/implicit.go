package placement

import (
	"log/slog"

	"github.com/tinyrange/vmaddr/internal/domain"
)

// AddImplicitControllers adds the controllers the machine type provides
// whether or not the definition lists them, and the controllers devices
// implicitly attach to.
func AddImplicitControllers(def *domain.Def, opts Options) error {
	add := func(c *domain.Controller) {
		if def.MaybeAddController(c) {
			slog.Debug("added implicit controller", "type", c.Type.String(), "index", c.Index, "model", c.ModelString())
		}
	}

	var (
		pciRoot    = domain.PCIModelLast
		defaultUSB bool
	)
	switch {
	case def.IsX86():
		switch {
		case def.Machine == "isapc":
		case def.IsQ35():
			pciRoot = domain.PCIModelPCIeRoot
			add(&domain.Controller{Type: domain.ControllerSATA})
			if def.FindController(domain.ControllerUSB, 0) < 0 {
				for _, m := range []domain.USBModel{domain.USBModelICH9EHCI1, domain.USBModelICH9UHCI1,
					domain.USBModelICH9UHCI2, domain.USBModelICH9UHCI3} {
					def.Controllers = append(def.Controllers,
						&domain.Controller{Type: domain.ControllerUSB, USBModel: m})
				}
				slog.Debug("added implicit USB2 controller set", "index", 0)
			}
			if def.FindController(domain.ControllerPCI, 1) < 0 {
				add(&domain.Controller{Type: domain.ControllerPCI, Index: 1, PCIModel: domain.PCIModelDMIToPCIBridge})
				add(&domain.Controller{Type: domain.ControllerPCI, Index: 2, PCIModel: domain.PCIModelPCIBridge})
			}
		default:
			pciRoot = domain.PCIModelPCIRoot
			defaultUSB = true
		}
	case def.IsARM():
		if def.IsARMVirt() && opts.GPEX {
			pciRoot = domain.PCIModelPCIeRoot
		}
	case def.Arch == "s390x" || def.Arch == "s390":
	default:
		// ppc64, alpha, sparc and friends have a plain PCI host bridge.
		pciRoot = domain.PCIModelPCIRoot
		defaultUSB = true
	}

	if pciRoot != domain.PCIModelLast {
		if i := def.FindController(domain.ControllerPCI, 0); i >= 0 {
			if got := def.Controllers[i].PCIModel; got != pciRoot {
				return domain.ConfigErrorf("The PCI controller with index='0' must be model='%s' for this machine type, but model='%s' was found instead",
					pciRoot, got)
			}
		} else {
			add(&domain.Controller{Type: domain.ControllerPCI, PCIModel: pciRoot})
		}
	}
	if defaultUSB {
		add(&domain.Controller{Type: domain.ControllerUSB})
	}

	// Controllers for disks on buses that need one.
	for _, dev := range def.DevicesOfKind(domain.DeviceDisk) {
		var t domain.ControllerType
		switch dev.Bus {
		case "ide":
			t = domain.ControllerIDE
		case "scsi":
			t = domain.ControllerSCSI
		case "sata":
			t = domain.ControllerSATA
		case "fdc":
			t = domain.ControllerFDC
		default:
			continue
		}
		add(&domain.Controller{Type: t})
	}

	needsVirtioSerial := false
	for _, dev := range def.Devices {
		if isVirtioConsole(dev) || isVirtioChannel(dev) {
			needsVirtioSerial = true
			break
		}
	}
	if needsVirtioSerial && !hasControllerType(def, domain.ControllerVirtioSerial) {
		add(&domain.Controller{Type: domain.ControllerVirtioSerial, Ports: opts.VirtioSerialPorts})
	}
	return nil
}

func hasControllerType(def *domain.Def, t domain.ControllerType) bool {
	for _, c := range def.Controllers {
		if c.Type == t {
			return true
		}
	}
	return false
}
