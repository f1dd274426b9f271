package transport

import (
	"net"
	"testing"
)

func TestBroadcastAddr(t *testing.T) {
	tests := []struct {
		name string
		cidr string
		want string
	}{
		{name: "slash 24", cidr: "192.168.1.17/24", want: "192.168.1.255"},
		{name: "slash 16", cidr: "10.1.2.3/16", want: "10.1.255.255"},
		{name: "slash 30", cidr: "172.16.0.5/30", want: "172.16.0.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, ipnet, err := net.ParseCIDR(tt.cidr)
			if err != nil {
				t.Fatal(err)
			}
			ipnet.IP = ip
			if got := broadcastAddr(ipnet).String(); got != tt.want {
				t.Errorf("broadcastAddr(%s) = %s, want %s", tt.cidr, got, tt.want)
			}
		})
	}
}

func TestIsLocal(t *testing.T) {
	b := &Broadcast{
		ifaces: []Iface{{Name: "eth0", Addr: net.IPv4(10, 0, 0, 1)}},
		local:  map[string]bool{"10.0.0.1": true},
	}
	if !b.IsLocal("10.0.0.1") {
		t.Error("IsLocal(10.0.0.1) = false, want true")
	}
	if b.IsLocal("10.0.0.2") {
		t.Error("IsLocal(10.0.0.2) = true, want false")
	}
}

func TestHostOf(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 37020}
	if got := hostOf(addr); got != "10.0.0.7" {
		t.Errorf("hostOf() = %s, want 10.0.0.7", got)
	}
}

func TestNew_noMatch(t *testing.T) {
	log := discardLogger()
	if _, err := New(log, 37020, "definitely-no-such-iface"); err == nil {
		t.Error("New() expected error when no interface matches")
	}
}
