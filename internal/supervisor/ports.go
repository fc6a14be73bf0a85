package supervisor

import (
	"fmt"
	"net"
	"strconv"

	"modelkeeper/internal/errs"
)

// pickPortInRange returns the first port in [start, end] that can be bound
// on host. The listener is closed immediately; the child binds it next.
func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, errs.E(errs.ProcessStartupFailure, "port scan", fmt.Sprintf("no free port in range %d-%d", start, end))
}
