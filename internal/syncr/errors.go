package syncr

import "errors"

// Error categories. Operations wrap one of these alongside the underlying
// cause so callers can branch with errors.Is.
var (
	ErrScanFailure           = errors.New("scan failure")
	ErrConnection            = errors.New("connection error")
	ErrProtocol              = errors.New("protocol error")
	ErrStore                 = errors.New("store error")
	ErrHashMismatch          = errors.New("hash mismatch")
	ErrMissingBackupArtifact = errors.New("missing backup artifact")
)
