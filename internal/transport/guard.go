package transport

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net"
	"time"
)

var guardLimiter = NewPeerRateLimiter(6, 2*time.Minute)

// SendGuard writes a short pre-shared token before the mux handshake.
// No-op when guard is empty. Wire format: one length byte, then the token.
func SendGuard(w io.Writer, guard string) error {
	if guard == "" {
		return nil
	}
	if len(guard) > 255 {
		return fmt.Errorf("guard token too long")
	}
	b := make([]byte, 0, len(guard)+1)
	b = append(b, byte(len(guard)))
	b = append(b, guard...)
	_, err := w.Write(b)
	return err
}

// RecvGuard reads and checks the guard token within timeout. Peers that keep
// failing are refused for a while without reading.
func RecvGuard(c net.Conn, guard string, timeout time.Duration) error {
	if guard == "" {
		return nil
	}
	if guardLimiter.IsLimited(c) {
		return fmt.Errorf("guard validation rate limited")
	}
	if timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(timeout))
		defer c.SetReadDeadline(time.Time{})
	}

	var lb [1]byte
	if _, err := io.ReadFull(c, lb[:]); err != nil {
		return fmt.Errorf("read guard: %w", err)
	}
	if lb[0] == 0 {
		guardLimiter.RecordFailure(c)
		return fmt.Errorf("guard token missing")
	}
	buf := make([]byte, int(lb[0]))
	if _, err := io.ReadFull(c, buf); err != nil {
		return fmt.Errorf("read guard: %w", err)
	}
	if subtle.ConstantTimeCompare(buf, []byte(guard)) != 1 {
		guardLimiter.RecordFailure(c)
		return fmt.Errorf("guard token mismatch")
	}
	guardLimiter.Clear(c)
	return nil
}
