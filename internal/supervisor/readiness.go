package supervisor

import (
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// portBound reports whether the given pid holds a listening socket on the
// port. Readiness is process-scoped: another process squatting on the port
// does not count.
func portBound(pid int32, port int) bool {
	conns, err := gopsnet.ConnectionsPid("tcp", pid)
	if err != nil {
		return false
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
			return true
		}
	}
	return false
}
