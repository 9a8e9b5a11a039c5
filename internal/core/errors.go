package core

import "errors"

// Sentinel errors shared by stores and engines throughout the platform.
// Components wrap these with fmt.Errorf("...: %w", Err...) for context and
// callers match with errors.Is.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrConflict       = errors.New("conflict")
	ErrDepthExceeded  = errors.New("subagent depth exceeded")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQuotaExceeded  = errors.New("quota exceeded")
	ErrTenantNotFound = errors.New("tenant not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrPolicyStoreUnavailable = errors.New("policy store unavailable")
	ErrSandboxUnavailable     = errors.New("sandbox driver unavailable")
	ErrSandboxTimeout         = errors.New("sandbox execution timed out")
)
