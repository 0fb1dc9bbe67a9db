package portutil

import (
	"fmt"
	"net"
)

// Reserve asks the OS for a free TCP port on loopback and returns it.
// The listener is closed before returning, so the port is free for the
// driver child process to bind. There is an unavoidable window between
// release and the child's bind; the supervisor surfaces a failed bind as
// a startup error with the captured stdio tail.
func Reserve() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("reserving ephemeral port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	if port < 1024 || port > 65535 {
		return 0, fmt.Errorf("OS assigned out-of-range port %d", port)
	}
	return port, nil
}

// ReserveFrom tries to bind the given port first. If it is already in use,
// it increments up to maxAttempts times before falling back to an
// OS-assigned port.
func ReserveFrom(preferred int, maxAttempts int) (int, error) {
	for i := 0; i < maxAttempts; i++ {
		port := preferred + i
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return Reserve()
}
