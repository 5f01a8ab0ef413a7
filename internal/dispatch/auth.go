package dispatch

import "errors"

// maxAuthAttempts is the fixed attempt budget before a command client is
// force-closed (spec.md Section 4.8/Section 9: the spec fixes 3
// attempts regardless of the source's inconsistent strike behaviour).
const maxAuthAttempts = 3

// ErrAuthFailed is returned once maxAuthAttempts wrong passwords have
// been supplied; the caller must close the connection.
var ErrAuthFailed = errors.New("dispatch: authentication failed")

// Authenticator runs the AUTH step of a command client's session
// (spec.md Section 4.8 state machine: NEW -> AUTH -> READY).
type Authenticator struct {
	required bool
	password string
	attempts int
}

// NewAuthenticator returns an Authenticator. If required is false, Check
// always succeeds without consuming an attempt (no shared secret
// configured).
func NewAuthenticator(required bool, password string) *Authenticator {
	return &Authenticator{required: required, password: password}
}

// Required reports whether the client must authenticate at all.
func (a *Authenticator) Required() bool { return a.required }

// Check compares candidate against the configured password. On mismatch
// it increments the attempt counter and returns (false, nil) until the
// attempt budget is exhausted, at which point it returns (false,
// ErrAuthFailed) and the caller must close the connection.
func (a *Authenticator) Check(candidate string) (ok bool, err error) {
	if !a.required {
		return true, nil
	}

	if candidate == a.password {
		return true, nil
	}

	a.attempts++
	if a.attempts >= maxAuthAttempts {
		return false, ErrAuthFailed
	}

	return false, nil
}
