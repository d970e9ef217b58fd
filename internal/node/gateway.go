package node

import (
	"net"
	"time"
)

// probeInternet checks for uplink connectivity with a UDP connect to a
// public resolver. No packet is sent; it only asks the OS for a route.
func probeInternet() bool {
	conn, err := net.DialTimeout("udp", "1.1.1.1:53", 2*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
