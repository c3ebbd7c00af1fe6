package apperrors

import "errors"

// Domain entity errors represent missing or invalid entities in the system.
// These errors indicate that a requested resource does not exist.
var (
	// ErrSecurityNotFound indicates that a security with the given ticker does not exist.
	ErrSecurityNotFound = errors.New("security not found")

	// ErrAccountNotFound indicates that an account with the given ID does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrUserNotFound indicates that a user with the given ID does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrEventNotFound indicates that a system event with the given ID does not exist.
	ErrEventNotFound = errors.New("system event not found")

	// ErrUpdateTrackingNotFound indicates that no tracking row exists for an update type.
	ErrUpdateTrackingNotFound = errors.New("update tracking record not found")
)

// Provider errors classify failures of external market-data sources.
var (
	// ErrTickerNotFound indicates an authoritative provider signal that the
	// ticker carries no data on that source. It is not a technical failure.
	ErrTickerNotFound = errors.New("ticker not available on source")

	// ErrRateLimited indicates the provider rejected the request because a
	// call quota was exhausted. Treated as transient.
	ErrRateLimited = errors.New("provider rate limit exceeded")

	// ErrProviderUnavailable indicates a transient provider failure after
	// retries were exhausted.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrBadRequest indicates the provider rejected the request as malformed.
	// Terminal; not retried.
	ErrBadRequest = errors.New("provider rejected request")

	// ErrMalformedResponse indicates the provider body could not be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")

	// ErrNoSources indicates no configured source could serve a request.
	ErrNoSources = errors.New("no market data source available")
)

// Business logic errors represent validation failures or constraint violations.
var (
	// ErrInvalidTicker indicates an empty or unusable ticker symbol.
	ErrInvalidTicker = errors.New("invalid ticker symbol")

	// ErrInvalidDateRange indicates that the provided date range is invalid
	// (e.g., start date is after end date).
	ErrInvalidDateRange = errors.New("invalid date range")

	// ErrInvalidPeriod indicates an unrecognized performance period.
	ErrInvalidPeriod = errors.New("invalid performance period")

	// ErrInvalidPrice indicates a price that is not finite and positive.
	ErrInvalidPrice = errors.New("price must be finite and positive")

	// ErrUpdateInProgress indicates the update lock for a type is already held.
	ErrUpdateInProgress = errors.New("update already in progress")
)

// Data integrity errors represent inconsistencies or corruption in the data.
var (
	// ErrDataInconsistency indicates that the data is in an inconsistent state
	// (e.g., a position references a security that doesn't exist).
	ErrDataInconsistency = errors.New("data inconsistency detected")

	// ErrMissingRequiredField indicates that a required field is missing or empty.
	ErrMissingRequiredField = errors.New("missing required field")
)
