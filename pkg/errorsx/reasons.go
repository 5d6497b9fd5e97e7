package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Capture device failures: permission denied, missing hardware.
	ReasonDeviceUnavailable ReasonCode = "device_unavailable"
	ReasonCameraUnavailable ReasonCode = "camera_unavailable"

	// Transport lifecycle failures.
	ReasonTransportOpen    ReasonCode = "transport_open"
	ReasonTransportRuntime ReasonCode = "transport_runtime"
	ReasonTransportSend    ReasonCode = "transport_send"

	// Authentication rejected by the remote endpoint. Surfaced separately
	// from transport_open so the owner can prompt for re-authentication.
	ReasonAuth ReasonCode = "auth"

	// Per-chunk decode failure; never terminal for the session.
	ReasonMalformedAudio ReasonCode = "malformed_audio"

	ReasonPlaybackSchedule ReasonCode = "playback_schedule"
)

// Terminal reports whether an error with this reason must force-stop the
// current session. Camera failures and per-chunk decode failures are local.
func (r ReasonCode) Terminal() bool {
	switch r {
	case ReasonDeviceUnavailable, ReasonTransportOpen, ReasonTransportRuntime, ReasonAuth:
		return true
	default:
		return false
	}
}
