package workflow

import "errors"

var (
	ErrMissingActivity     = errors.New("missing activity")
	ErrUnknownStep         = errors.New("unknown workflow step")
	ErrInvalidDecision     = errors.New("invalid approval decision")
	ErrNotAwaitingApproval = errors.New("workflow is not waiting for approval")
	ErrRunNotActive        = errors.New("workflow runtime stopped")
)
