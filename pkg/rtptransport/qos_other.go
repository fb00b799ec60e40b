//go:build !linux

package rtptransport

// applyVoiceQoS is a no-op outside Linux: the SO_PRIORITY/SO_BUSY_POLL/DSCP
// tuning in qos_linux.go has no portable equivalent, mirroring
// arzzra-soft_phone's per-OS transport_socket_*.go split.
func applyVoiceQoS(conn ipv4Controllable, dscp int) error {
	return nil
}
