//go:build linux

package rtptransport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// applyVoiceQoS applies the Linux voice-call socket tuning adapted from
// arzzra-soft_phone/pkg/rtp/transport_socket_linux.go: interactive-audio
// SO_PRIORITY, SO_BUSY_POLL to cut syscall-wakeup latency, and optional
// DSCP marking on both the IPv4 TOS and IPv6 traffic-class fields.
func applyVoiceQoS(conn ipv4Controllable, dscp int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var firstErr error
	err = rawConn.Control(func(fd uintptr) {
		if e := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_PRIORITY, 6); e != nil && firstErr == nil {
			firstErr = e
		}
		// Best-effort: busy-poll isn't supported on every kernel/container.
		_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_BUSY_POLL, 50)

		if dscp != 0 {
			tos := dscp << 2
			_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
			_ = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
		}
	})
	if err != nil {
		return err
	}
	return firstErr
}
