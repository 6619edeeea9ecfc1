// Package activation picks the listener for the webhook server, preferring a
// socket passed in by the service manager.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor the service manager passes (after stdio).
const firstFD = 3

// Listen returns the first socket-activated listener, or a new TCP listener
// on addr when the process was not socket activated. Extra passed sockets
// are closed.
func Listen(addr string) (ln net.Listener, activated bool, err error) {
	n, err := passedFDs(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, false, nil
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		l, err := fileListener(firstFD + i)
		if err != nil {
			for _, opened := range listeners {
				_ = opened.Close()
			}
			return nil, false, err
		}
		listeners = append(listeners, l)
	}

	// Child processes must not inherit the activation.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	for _, extra := range listeners[1:] {
		_ = extra.Close()
	}
	return listeners[0], true, nil
}

// passedFDs returns how many sockets were passed to pid through LISTEN_PID
// and LISTEN_FDS. Zero means no activation for this process.
func passedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("activated-socket-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("failed to open fd %d", fd)
	}
	defer func() {
		_ = file.Close()
	}()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return l, nil
}
