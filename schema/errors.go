package schema

import "errors"

var (
	// ErrNoSession indicates an operation needs a signed-in session.
	ErrNoSession = errors.New("no session")
	// ErrRecordCorrupt indicates the persisted session record cannot be parsed.
	ErrRecordCorrupt = errors.New("session record corrupt")
	// ErrCookiesCorrupt indicates the persisted cookie map cannot be parsed.
	ErrCookiesCorrupt = errors.New("cookie map corrupt")
	// ErrStorageRead indicates the persisted store could not be read.
	ErrStorageRead = errors.New("session storage read failed")
	// ErrCredentialSync indicates a credential bridge upsert failed.
	ErrCredentialSync = errors.New("credential sync failed")
	// ErrProfileFetch indicates the profile could not be fetched.
	ErrProfileFetch = errors.New("profile fetch failed")
	// ErrFetchTimeout indicates the profile fetch did not finish in time.
	ErrFetchTimeout = errors.New("profile fetch timed out")
	// ErrNotPermitted indicates the fetched profile is not entitled to a session.
	ErrNotPermitted = errors.New("profile not permitted")
	// ErrSignInRejected indicates a new session failed its validation attempt.
	ErrSignInRejected = errors.New("sign-in rejected")
	// ErrSuperseded indicates a newer attempt replaced this one.
	ErrSuperseded = errors.New("attempt superseded")
	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrInvalidCode indicates a malformed or wrong one-time code.
	ErrInvalidCode = errors.New("invalid code")
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
)
