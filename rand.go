package tlssock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Process-wide PRNG helpers, pass-throughs to the default engine.

// RandAdd mixes buf into the engine's seed pool with the given entropy
// estimate.
func RandAdd(buf []byte, entropy float64) {
	DefaultEngine().RandAdd(buf, entropy)
}

// RandBytes returns n cryptographically strong random bytes.
func RandBytes(n int) ([]byte, error) {
	return DefaultEngine().RandBytes(n)
}

// RandPseudoBytes returns n pseudo-random bytes plus a flag reporting
// whether they are of cryptographic strength.
func RandPseudoBytes(n int) ([]byte, bool, error) {
	return DefaultEngine().RandPseudoBytes(n)
}

// RandStatus reports whether the engine's PRNG has been seeded with
// enough entropy.
func RandStatus() bool {
	return DefaultEngine().RandStatus()
}

// egdRequestBytes is how much entropy one EGD query asks for.
const egdRequestBytes = 255

// RandEGD queries an entropy-gathering daemon at the given unix-socket
// path, mixes the returned bytes into the engine's seed pool, and
// reports how many bytes were mixed.
func RandEGD(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, fmt.Errorf("tlssock.rand: EGD socket: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		return 0, fmt.Errorf("tlssock.rand: EGD connect %s: %v", path, err)
	}

	// EGD protocol: command 0x02 is "read entropy, blocking", followed
	// by the byte count; the daemon answers with exactly that many
	// bytes.
	req := []byte{0x02, egdRequestBytes}
	if err := writeFull(fd, req); err != nil {
		return 0, fmt.Errorf("tlssock.rand: EGD request: %v", err)
	}
	buf := make([]byte, egdRequestBytes)
	got := 0
	for got < len(buf) {
		n, err := unix.Read(fd, buf[got:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("tlssock.rand: EGD read: %v", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("tlssock.rand: EGD connection closed before %d bytes", len(buf))
		}
		got += n
	}

	DefaultEngine().RandAdd(buf, float64(len(buf)))
	return len(buf), nil
}

func writeFull(fd int, p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
