// Package activation picks up listening sockets passed in by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Systemd passes file descriptors starting at fd 3
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is a listening socket received through socket activation
type Socket struct {
	// Name from LISTEN_FDNAMES, "unknown" when systemd gave none
	Name string
	net.Listener
}

type openFunc func(fd int, name string) (net.Listener, error)

// Sockets returns the systemd-activated sockets of this process.
// It checks for systemd socket activation via LISTEN_PID and LISTEN_FDS environment variables.
// Returns nil if no socket activation is detected or if the activation is not for this process.
func Sockets() ([]Socket, error) {
	sockets, err := socketsFrom(os.Getenv, os.Getpid(), openFD)
	if err != nil || sockets == nil {
		return sockets, err
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listen returns the activated socket called name, or the first activated
// socket when none has that name. Other activated sockets are closed.
// Without socket activation it listens on addr over TCP.
func Listen(name, addr string) (listener net.Listener, activated bool, err error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}

	if len(sockets) == 0 {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return l, false, nil
	}

	return pick(sockets, name), true, nil
}

func pick(sockets []Socket, name string) net.Listener {
	chosen := 0
	for i, s := range sockets {
		if s.Name == name {
			chosen = i
			break
		}
	}

	for i, s := range sockets {
		if i != chosen {
			_ = s.Close()
		}
	}
	return sockets[chosen].Listener
}

func socketsFrom(getenv func(string) string, pid int, open openFunc) ([]Socket, error) {
	// Check if LISTEN_PID is set and matches our process ID
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}

	if listenPID != pid {
		// Socket activation is for a different process
		return nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}

	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}

	if numFDs < 1 {
		return nil, nil
	}

	names := fdNames(getenv("LISTEN_FDNAMES"), numFDs)

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		listener, err := open(firstFD+i, names[i])
		if err != nil {
			for _, s := range sockets {
				_ = s.Close()
			}
			return nil, err
		}
		sockets = append(sockets, Socket{Name: names[i], Listener: listener})
	}

	return sockets, nil
}

// fdNames splits LISTEN_FDNAMES, padding with "unknown" as sd_listen_fds_with_names does.
func fdNames(env string, n int) []string {
	names := make([]string, n)
	var given []string
	if env != "" {
		given = strings.Split(env, ":")
	}
	for i := range names {
		if i < len(given) && given[i] != "" {
			names[i] = given[i]
		} else {
			names[i] = "unknown"
		}
	}
	return names
}

func openFD(fd int, name string) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), "systemd-socket-"+name)
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}

	listener, err := net.FileListener(file)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}

	// Close the file descriptor (listener takes ownership)
	_ = file.Close()

	return listener, nil
}
