// Package netio implements the pluggable network read/write backends of
// spec §4.2: a vectored memory writer, file-to-socket zero-copy, and an
// asynchronous file reader. Every backend returns the same closed result
// set so the connection state machine can dispatch on it uniformly.
package netio

// Result is the outcome of one write-as-much-as-possible-now attempt, or
// symmetrically one read-as-much-as-possible-now attempt (spec §4.2).
type Result int

const (
	Success Result = iota
	WaitForEvent
	WaitForAIOEvent
	ConnectionClose
	FatalError
	Interrupted
)

func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case WaitForEvent:
		return "WAIT_FOR_EVENT"
	case WaitForAIOEvent:
		return "WAIT_FOR_AIO_EVENT"
	case ConnectionClose:
		return "CONNECTION_CLOSE"
	case FatalError:
		return "FATAL_ERROR"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}
