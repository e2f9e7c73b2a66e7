package uds

import "fmt"

// DiagnosticNegative wraps a negative response (spec.md §7). NRCResponsePending
// is handled internally by Client and never surfaces as this error.
type DiagnosticNegative struct {
	Service byte
	NRC     byte
}

func (e *DiagnosticNegative) Error() string {
	return fmt.Sprintf("uds: service x%02x negative response, NRC x%02x", e.Service, e.NRC)
}

// SecurityDenied is returned after maxConsecutiveKeyFailures invalid-key
// responses (spec.md §4.3). When more algorithms are configured than that
// budget, the ones past it are not tried.
type SecurityDenied struct {
	Attempts int
}

func (e *SecurityDenied) Error() string {
	return fmt.Sprintf("uds: security access denied after %d attempts", e.Attempts)
}

// UnexpectedResponse is returned when a positive response doesn't echo the
// requesting service ID, or is shorter than the service requires.
type UnexpectedResponse struct {
	Service byte
	Got     []byte
}

func (e *UnexpectedResponse) Error() string {
	return fmt.Sprintf("uds: unexpected response to service x%02x: % x", e.Service, e.Got)
}
