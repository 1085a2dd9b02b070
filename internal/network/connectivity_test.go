package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func newTestMonitor(ifaces []Interface, dialErr error) *ProbeMonitor {
	return &ProbeMonitor{
		ProbeAddress: "probe.invalid:443",
		WifiPrefixes: []string{"wl", "wlan"},
		Timeout:      time.Second,
		listInterfaces: func() ([]Interface, error) {
			return ifaces, nil
		},
		dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			if dialErr != nil {
				return nil, dialErr
			}
			client, server := net.Pipe()
			server.Close()
			return client, nil
		},
	}
}

func TestProbeMonitor(t *testing.T) {
	loopback := Interface{Name: "lo", Up: true, Loop: true, Addrs: 1}

	tests := []struct {
		name      string
		ifaces    []Interface
		dialErr   error
		connected bool
		kind      Kind
		unmetered bool
	}{
		{"no interfaces", []Interface{loopback}, nil, false, KindNone, false},
		{"wifi", []Interface{loopback, {Name: "wlan0", Up: true, Addrs: 2}}, nil, true, KindWifi, true},
		{"ethernet", []Interface{{Name: "eth0", Up: true, Addrs: 1}}, nil, true, KindEthernet, true},
		{"cellular only", []Interface{{Name: "rmnet0", Up: true, Addrs: 1}}, nil, true, KindCellular, false},
		{"prefers wifi over cellular", []Interface{{Name: "rmnet0", Up: true, Addrs: 1}, {Name: "wlp2s0", Up: true, Addrs: 1}}, nil, true, KindWifi, true},
		{"interface down", []Interface{{Name: "wlan0", Up: false, Addrs: 1}}, nil, false, KindNone, false},
		{"probe unreachable", []Interface{{Name: "wlan0", Up: true, Addrs: 1}}, errors.New("no route"), false, KindNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newTestMonitor(tt.ifaces, tt.dialErr).Current(context.Background())
			if state.Connected != tt.connected || state.Kind != tt.kind {
				t.Errorf("Current() = %+v, want connected=%v kind=%v", state, tt.connected, tt.kind)
			}
			if state.Unmetered() != tt.unmetered {
				t.Errorf("Unmetered() = %v, want %v", state.Unmetered(), tt.unmetered)
			}
		})
	}
}

func TestStaticMonitor(t *testing.T) {
	m := StaticMonitor{State: Connectivity{Connected: true, Kind: KindCellular}}
	if got := m.Current(context.Background()); got.Unmetered() {
		t.Errorf("Expected metered state, got %+v", got)
	}
}
