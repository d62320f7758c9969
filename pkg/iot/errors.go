package iot

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrUpstream          = errors.New("inference service error")
	ErrAnalysisInFlight  = errors.New("analysis already in flight")
	ErrInferenceDisabled = errors.New("inference service disabled")
	ErrOwnerUnresolved   = errors.New("owner could not be resolved")
)
