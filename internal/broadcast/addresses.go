package broadcast

import (
	"net"
	"strconv"
)

// commonBroadcastAddresses is a heuristic fallback covering the private
// ranges this software is usually deployed in. Interface enumeration is
// preferred; these only matter when enumeration finds nothing useful (VPN
// tunnels, exotic container network setups).
var commonBroadcastAddresses = []string{
	"255.255.255.255",
	"192.168.255.255",
	"192.168.0.255",
	"192.168.1.255",
	"10.255.255.255",
	"172.16.255.255",
	"127.0.0.1",
}

// DefaultAddresses returns the broadcast target list: per-interface directed
// broadcast addresses first, then the common fallbacks, deduplicated.
// Callers can override the whole list through configuration; entries may
// carry an explicit "host:port" to override the channel port.
func DefaultAddresses() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(addr string) {
		if _, dup := seen[addr]; dup {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	for _, addr := range interfaceBroadcastAddresses() {
		add(addr)
	}
	for _, addr := range commonBroadcastAddresses {
		add(addr)
	}
	return out
}

// interfaceBroadcastAddresses derives the directed broadcast address of every
// up, broadcast-capable IPv4 interface.
func interfaceBroadcastAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			bcast := make(net.IP, net.IPv4len)
			for i := 0; i < net.IPv4len; i++ {
				bcast[i] = ip4[i] | ^mask[i]
			}
			out = append(out, bcast.String())
		}
	}
	return out
}

// LocalIP returns this host's primary outbound IPv4 address, falling back to
// loopback when it cannot be determined. No packet is actually sent.
func LocalIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:53")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

// resolveTarget turns a configured broadcast address into a UDP target,
// using defaultPort unless the entry carries its own "host:port" override.
func resolveTarget(addr string, defaultPort int) *net.UDPAddr {
	host, portStr, err := net.SplitHostPort(addr)
	port := defaultPort
	if err == nil {
		if p, perr := strconv.Atoi(portStr); perr == nil {
			port = p
		}
	} else {
		host = addr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port}
}
