package models

import "errors"

var (
	ErrNoProxiesAvailable   = errors.New("no proxies available")
	ErrRotationExhausted    = errors.New("rotation exhausted: no eligible proxy or egress IP remains")
	ErrResolutionFailed     = errors.New("egress IP resolution failed")
	ErrTimeout              = errors.New("attempt timed out")
	ErrTimeoutWithChallenge = errors.New("attempt timed out with challenge present")
	ErrKilled               = errors.New("worker was killed")
	ErrWorkerError          = errors.New("worker exited with an error")
	ErrOrchestratorError    = errors.New("orchestrator error")
)
