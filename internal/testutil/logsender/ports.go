package logsender

import (
	"net"
	"strings"
	"testing"
)

// FreePort returns a loopback port that was free for network at the time
// of the call.
func FreePort(t testing.TB, network string) int {
	t.Helper()

	switch strings.ToLower(network) {
	case "udp":
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to find free UDP port: %v", err)
		}
		defer pc.Close()
		return pc.LocalAddr().(*net.UDPAddr).Port
	default:
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to find free TCP port: %v", err)
		}
		defer ln.Close()
		return ln.Addr().(*net.TCPAddr).Port
	}
}
