package capture

// acquireStatus tags the outcome of one GPU duplication poll. Expected
// transient conditions (timeout, duplicate empty frame) are ordinary results
// here, not errors; only acquireHard means the session's resources are broken.
type acquireStatus int

const (
	// acquireOK: a new frame was copied out of the staging surface.
	acquireOK acquireStatus = iota

	// acquireTimeout: no new frame within the poll bound. Expected under low
	// screen activity; retried on the next caller-driven request.
	acquireTimeout

	// acquireEmpty: the poll succeeded but accumulated zero frames (duplicate
	// call artifact). The frame handle was released; retry on the next request.
	acquireEmpty

	// acquireHard: device lost, access lost, or another non-timeout failure.
	// The session must be rebuilt before the GPU path can be used again.
	acquireHard
)

func (s acquireStatus) String() string {
	switch s {
	case acquireOK:
		return "ok"
	case acquireTimeout:
		return "timeout"
	case acquireEmpty:
		return "empty"
	default:
		return "hard-failure"
	}
}
