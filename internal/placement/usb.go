package placement

import (
	"github.com/tinyrange/vmaddr/internal/addrspace/usb"
	"github.com/tinyrange/vmaddr/internal/domain"
)

// needsUSBPort reports whether info still has to be given a port.
func needsUSBPort(info *domain.DeviceInfo) bool {
	return info.Type == domain.AddressUSB && !info.USB.Port.Valid()
}

func (a *Addresses) assignUSB() error {
	set := usb.NewAddressSet()
	if err := set.AddControllers(a.def); err != nil {
		return err
	}

	// Hubs added above already hold their port.
	err := a.def.ForEachInfo(func(e domain.Entry, info *domain.DeviceInfo) error {
		if e.Hub != nil && e.Hub.Type == domain.HubUSB && info.Type == domain.AddressUSB {
			return nil
		}
		return set.Reserve(info)
	})
	if err != nil {
		return err
	}

	// Hubs go first so devices can be placed behind them.
	for _, h := range a.def.Hubs {
		if h.Type != domain.HubUSB {
			continue
		}
		if h.Info.Type != domain.AddressNone && !needsUSBPort(&h.Info) {
			continue
		}
		if err := set.Assign(&h.Info); err != nil {
			return err
		}
		if err := set.AddHub(h); err != nil {
			return err
		}
	}

	for _, dev := range a.def.Devices {
		switch {
		case needsUSBPort(&dev.Info):
		case dev.Info.Type == domain.AddressNone && isUSBDevice(dev):
		default:
			continue
		}
		if err := set.Ensure(&dev.Info); err != nil {
			return err
		}
	}

	a.USB = set
	return nil
}
