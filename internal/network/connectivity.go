package network

import (
	"context"
	"net"
	"strings"
	"time"
)

// Kind classifies the active network.
type Kind string

const (
	KindNone     Kind = "none"
	KindWifi     Kind = "wifi"
	KindEthernet Kind = "ethernet"
	KindCellular Kind = "cellular"
)

// Connectivity is a snapshot of network state.
type Connectivity struct {
	Connected bool
	Kind      Kind
}

// Unmetered reports whether the network satisfies a Wi-Fi-only policy.
// Wired links count as Wi-Fi.
func (c Connectivity) Unmetered() bool {
	return c.Connected && (c.Kind == KindWifi || c.Kind == KindEthernet)
}

// Monitor reports the current network state.
type Monitor interface {
	Current(ctx context.Context) Connectivity
}

// StaticMonitor always reports the same state.
type StaticMonitor struct {
	State Connectivity
}

// Current implements Monitor.
func (m StaticMonitor) Current(context.Context) Connectivity {
	return m.State
}

// Interface is the subset of net.Interface the probe inspects.
type Interface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs int
}

// ProbeMonitor infers connectivity from local interfaces and, when
// ProbeAddress is set, a TCP dial to it.
type ProbeMonitor struct {
	ProbeAddress   string
	WifiPrefixes   []string
	Timeout        time.Duration
	listInterfaces func() ([]Interface, error)
	dial           func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProbeMonitor creates a monitor using the host's interfaces.
func NewProbeMonitor(probeAddress string, wifiPrefixes []string, timeout time.Duration) *ProbeMonitor {
	dialer := &net.Dialer{Timeout: timeout}
	return &ProbeMonitor{
		ProbeAddress:   probeAddress,
		WifiPrefixes:   wifiPrefixes,
		Timeout:        timeout,
		listInterfaces: hostInterfaces,
		dial:           dialer.DialContext,
	}
}

// Current implements Monitor.
func (m *ProbeMonitor) Current(ctx context.Context) Connectivity {
	ifaces, err := m.listInterfaces()
	if err != nil {
		return Connectivity{Kind: KindNone}
	}

	kind := KindNone
	for _, iface := range ifaces {
		if !iface.Up || iface.Loop || iface.Addrs == 0 {
			continue
		}
		k := m.classify(iface.Name)
		if rank(k) > rank(kind) {
			kind = k
		}
	}
	if kind == KindNone {
		return Connectivity{Kind: KindNone}
	}

	if m.ProbeAddress != "" {
		ctx, cancel := context.WithTimeout(ctx, m.Timeout)
		defer cancel()
		conn, err := m.dial(ctx, "tcp", m.ProbeAddress)
		if err != nil {
			return Connectivity{Kind: KindNone}
		}
		conn.Close()
	}

	return Connectivity{Connected: true, Kind: kind}
}

func (m *ProbeMonitor) classify(name string) Kind {
	lower := strings.ToLower(name)
	for _, prefix := range m.WifiPrefixes {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return KindWifi
		}
	}
	for _, prefix := range []string{"eth", "en", "em", "eno", "enp"} {
		if strings.HasPrefix(lower, prefix) {
			return KindEthernet
		}
	}
	return KindCellular
}

// rank prefers unmetered links when several are up.
func rank(k Kind) int {
	switch k {
	case KindWifi, KindEthernet:
		return 2
	case KindCellular:
		return 1
	default:
		return 0
	}
}

func hostInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	result := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, _ := iface.Addrs()
		result = append(result, Interface{
			Name:  iface.Name,
			Up:    iface.Flags&net.FlagUp != 0,
			Loop:  iface.Flags&net.FlagLoopback != 0,
			Addrs: len(addrs),
		})
	}
	return result, nil
}
