package settlement

import "errors"

var (
	// ErrMissingConfiguration means an address, chain id or domain for the
	// route could not be resolved. Never retried.
	ErrMissingConfiguration = errors.New("missing configuration")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrUnsupportedOpenMode  = errors.New("order shape not supported by open mode")

	ErrFillTxNotFound = errors.New("fill transaction not found or failed")
	// ErrEventNotFound means the awaited effect has not happened in that
	// transaction. Callers may retry later.
	ErrEventNotFound = errors.New("expected event not found")
	ErrAmbiguousFill = errors.New("more than one matching fill event")

	ErrDomainResolution = errors.New("messaging domain resolution failed")

	// ErrAttestationTimeout is distinct from transport failures: the message
	// may still attest, so re-polling is safe.
	ErrAttestationTimeout = errors.New("attestation not observed before timeout")

	ErrNotAttested        = errors.New("not every output leg is attested")
	ErrClaimNotConfirmed  = errors.New("order status is not claimed after finalise")
	ErrStageOutOfOrder    = errors.New("stage preconditions not met")
	ErrFillDoesNotMatch   = errors.New("fill does not match any order output")
	ErrSolveCountMismatch = errors.New("one solve per output leg is required")
)
