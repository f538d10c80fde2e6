package fabric

import "errors"

var (
	ErrConfiguration         = errors.New("fabric: no backend selected")
	ErrInitFailure           = errors.New("fabric: backend init failed")
	ErrInvalidState          = errors.New("fabric: rank and/or size not assigned")
	ErrUnassigned            = errors.New("fabric: session not initialized")
	ErrConnectionUnavailable = errors.New("fabric: no front-end connection")
	ErrCollectiveFailure     = errors.New("fabric: collective operation failed")
	ErrProtocolMismatch      = errors.New("fabric: debugger protocol mismatch")
	ErrFinalizeFailure       = errors.New("fabric: backend finalize failed")
)

var taxonomy = []struct {
	err  error
	code string
}{
	{ErrConfiguration, "configuration_error"},
	{ErrInitFailure, "init_failure"},
	{ErrInvalidState, "invalid_state"},
	{ErrUnassigned, "unassigned"},
	{ErrConnectionUnavailable, "connection_unavailable"},
	{ErrCollectiveFailure, "collective_failure"},
	{ErrProtocolMismatch, "protocol_mismatch"},
	{ErrFinalizeFailure, "finalize_failure"},
}

// Code maps err onto its taxonomy name. A joined shutdown error reports the
// first phase that failed. Returns "" for nil and "unknown" for errors
// outside the taxonomy.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range taxonomy {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "unknown"
}
