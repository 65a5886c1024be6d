package gantry

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("gantry: no store configured")
	ErrStoreClosed = errors.New("gantry: store closed")

	// Not found errors.
	ErrWorkflowNotFound  = errors.New("gantry: workflow not found")
	ErrExecutionNotFound = errors.New("gantry: execution not found")
	ErrStepNotFound      = errors.New("gantry: step execution not found")
	ErrJobNotFound       = errors.New("gantry: scheduled job not found")
	ErrPeerNotFound      = errors.New("gantry: peer not found")

	// Conflict errors.
	ErrWorkflowExists  = errors.New("gantry: workflow already registered")
	ErrExecutionExists = errors.New("gantry: execution already exists")
	ErrJobExists       = errors.New("gantry: scheduled job already exists")

	// State errors.
	ErrInvalidState     = errors.New("gantry: invalid state transition")
	ErrExecutionDone    = errors.New("gantry: execution already terminal")
	ErrStepNotAwaiting  = errors.New("gantry: step is not awaiting approval")
	ErrMaxRetries       = errors.New("gantry: max retries exceeded")
	ErrWorkflowTimeout  = errors.New("gantry: workflow timed out")

	// Cluster errors.
	ErrNotLeader      = errors.New("gantry: not the leader")
	ErrLeadershipLost = errors.New("gantry: leadership lost")
)
