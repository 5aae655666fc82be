package ice

import (
	"net"
	"testing"
)

func withFakeTopology(t *testing.T, ifaces []net.Interface, addrsByName map[string][]net.Addr) {
	t.Helper()
	origIfaces, origAddrs := interfaces, interfaceAddrs
	interfaces = func() ([]net.Interface, error) { return ifaces, nil }
	interfaceAddrs = func(iface net.Interface) ([]net.Addr, error) { return addrsByName[iface.Name], nil }
	t.Cleanup(func() {
		interfaces = origIfaces
		interfaceAddrs = origAddrs
	})
}

func ipNet(s string) *net.IPNet {
	ip := net.ParseIP(s)
	if ip.To4() != nil {
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(24, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(64, 128)}
}

func TestAddressInventoryDropsLoopbackByDefault(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
			{Name: "eth0", Flags: net.FlagUp},
		},
		map[string][]net.Addr{
			"lo":   {ipNet("127.0.0.1")},
			"eth0": {ipNet("192.0.2.10")},
		},
	)

	cfg := DefaultConfig()
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 1 || !out[0].IP.Equal(net.ParseIP("192.0.2.10")) {
		t.Fatalf("expected only eth0's address, got %v", out)
	}
}

func TestAddressInventoryDropsLoopbackEvenWhenExplicitlyNamed(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{
			{Name: "lo", Flags: net.FlagUp | net.FlagLoopback},
		},
		map[string][]net.Addr{
			"lo": {ipNet("127.0.0.1")},
		},
	)

	cfg := DefaultConfig()
	cfg.AllowedAddresses = []string{"127.0.0.1"}
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected the unconditional loopback drop to win over AllowedAddresses, got %v", out)
	}
}

func TestAddressInventoryDropsDownInterfaces(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{{Name: "eth0", Flags: 0}},
		map[string][]net.Addr{"eth0": {ipNet("192.0.2.10")}},
	)
	cfg := DefaultConfig()
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected a down interface to be dropped, got %v", out)
	}
}

func TestAddressInventoryBlockedAddress(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{{Name: "eth0", Flags: net.FlagUp}},
		map[string][]net.Addr{"eth0": {ipNet("192.0.2.10"), ipNet("192.0.2.20")}},
	)
	cfg := DefaultConfig()
	cfg.BlockedAddresses = []string{"192.0.2.10"}
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 1 || !out[0].IP.Equal(net.ParseIP("192.0.2.20")) {
		t.Fatalf("expected the blocked address to be filtered out, got %v", out)
	}
}

func TestAddressInventoryDisableIPv6(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{{Name: "eth0", Flags: net.FlagUp}},
		map[string][]net.Addr{"eth0": {ipNet("192.0.2.10"), ipNet("2001:db8::1")}},
	)
	cfg := DefaultConfig()
	cfg.DisableIPv6 = true
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 1 || out[0].IP.To4() == nil {
		t.Fatalf("expected IPv6 address to be dropped, got %v", out)
	}
}

func TestAddressInventoryMarksVirtualInterfaces(t *testing.T) {
	withFakeTopology(t,
		[]net.Interface{{Name: "docker0", Flags: net.FlagUp}},
		map[string][]net.Addr{"docker0": {ipNet("172.17.0.1")}},
	)
	cfg := DefaultConfig()
	inv := &AddressInventory{cfg: cfg, log: newComponentLogger(cfg.loggerFactory(), "test")}
	inv.MarkVirtual("docker0")
	out, err := inv.Gather()
	if err != nil {
		t.Fatalf("gather: %s", err)
	}
	if len(out) != 1 || !out[0].Virtual {
		t.Fatalf("expected docker0's address to be tagged virtual, got %v", out)
	}
}
