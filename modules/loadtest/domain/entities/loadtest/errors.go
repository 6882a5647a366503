package loadtest

import "github.com/loadforge/loadforge/pkg/serrors"

var (
	ErrNotFound          = serrors.NewError("NOT_FOUND", "load test not found", "")
	ErrValidation        = serrors.NewError("VALIDATION_FAILED", "invalid load test configuration", "")
	ErrEngineUnavailable = serrors.NewError("ENGINE_UNAVAILABLE", "load engine is not connected", "")
	ErrPersistence       = serrors.NewError("PERSISTENCE_FAILED", "failed to persist load test data", "")
	ErrDuplicateEvent    = serrors.NewError("DUPLICATE_EVENT", "event already recorded", "")
	ErrTestNotFound      = serrors.NewError("TEST_NOT_FOUND", "referenced load test does not exist", "")
)
