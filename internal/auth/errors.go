package auth

import "errors"

// Input validation and storage outcomes.
var (
	ErrInvalidInput = errors.New("auth: invalid input")
	ErrNotFound     = errors.New("auth: not found")
	ErrConflict     = errors.New("auth: conflict")
	// ErrStale reports a failed compare-and-set in the storage layer.
	ErrStale = errors.New("auth: stale state")
)

// Authentication failures. Callers outside the core must collapse these into one
// generic response; see IsAuthenticationFailure.
var (
	ErrTokenInvalid    = errors.New("auth: token invalid")
	ErrTokenExpired    = errors.New("auth: token expired")
	ErrTokenRevoked    = errors.New("auth: token revoked")
	ErrRefreshInvalid  = errors.New("auth: refresh token invalid")
	ErrRefreshExpired  = errors.New("auth: refresh token expired")
	ErrRefreshReused   = errors.New("auth: refresh token reused")
	ErrLinkInvalid     = errors.New("auth: magic link invalid")
	ErrLinkExpired     = errors.New("auth: magic link expired")
	ErrLinkAlreadyUsed = errors.New("auth: magic link already used")
	ErrIDTokenInvalid  = errors.New("auth: id token invalid")
	ErrUserBlocked     = errors.New("auth: user blocked")
)

// Authorization failures.
var (
	ErrNotAMember = errors.New("auth: not a member")
	ErrForbidden  = errors.New("auth: forbidden")
)

// Integrity violations.
var (
	ErrHierarchyCycle = errors.New("auth: organization hierarchy cycle")
	ErrHierarchyDepth = errors.New("auth: organization hierarchy too deep")
)

// Upstream and configuration failures.
var (
	ErrUpstream           = errors.New("auth: upstream failure")
	ErrCodeExchangeFailed = errors.New("auth: code exchange failed")
	ErrProfileFetchFailed = errors.New("auth: profile fetch failed")
	ErrRateLimited        = errors.New("auth: rate limited")
	// ErrNoSigningKey is a fatal configuration error; retrying does not help.
	ErrNoSigningKey = errors.New("auth: no signing key configured")
)

var authenticationFailures = []error{
	ErrTokenInvalid,
	ErrTokenExpired,
	ErrTokenRevoked,
	ErrRefreshInvalid,
	ErrRefreshExpired,
	ErrRefreshReused,
	ErrLinkInvalid,
	ErrLinkExpired,
	ErrLinkAlreadyUsed,
	ErrIDTokenInvalid,
	ErrUserBlocked,
}

// IsAuthenticationFailure reports whether err belongs to the authentication failure kind.
func IsAuthenticationFailure(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range authenticationFailures {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsAuthorizationFailure reports whether err is a membership or permission denial.
func IsAuthorizationFailure(err error) bool {
	return errors.Is(err, ErrNotAMember) || errors.Is(err, ErrForbidden)
}
