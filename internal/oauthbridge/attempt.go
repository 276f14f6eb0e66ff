package oauthbridge

import (
	"fmt"
	"time"
)

// Phase is the position of an Attempt in the authorization code flow.
type Phase string

const (
	PhaseStarted          Phase = "started"
	PhaseRedirected       Phase = "redirected"
	PhaseCallbackReceived Phase = "callback_received"
	PhaseCodeExchanged    Phase = "code_exchanged"
	PhaseProfileFetched   Phase = "profile_fetched"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

var nextPhase = map[Phase]Phase{
	PhaseStarted:          PhaseRedirected,
	PhaseRedirected:       PhaseCallbackReceived,
	PhaseCallbackReceived: PhaseCodeExchanged,
	PhaseCodeExchanged:    PhaseProfileFetched,
	PhaseProfileFetched:   PhaseCompleted,
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool { return p == PhaseCompleted || p == PhaseFailed }

// Attempt tracks one authorization round trip with a provider.
type Attempt struct {
	Provider     string
	State        string
	RedirectURI  string
	CodeVerifier string
	Nonce        string
	Phase        Phase
	Failure      string
	Token        *Token
	Profile      *Profile
	IDClaims     *IDClaims
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Advance moves the attempt to the next phase. Only the forward successor is accepted.
func (a *Attempt) Advance(to Phase, at time.Time) error {
	if a.Phase.Terminal() {
		return fmt.Errorf("attempt already %s", a.Phase)
	}
	if to == PhaseFailed {
		a.Phase, a.UpdatedAt = to, at
		return nil
	}
	if nextPhase[a.Phase] != to {
		return fmt.Errorf("invalid transition %s -> %s", a.Phase, to)
	}
	a.Phase, a.UpdatedAt = to, at
	return nil
}

// Fail records err and moves a non-terminal attempt to failed.
func (a *Attempt) Fail(err error, at time.Time) {
	if a.Phase.Terminal() {
		return
	}
	a.Phase, a.UpdatedAt = PhaseFailed, at
	if err != nil {
		a.Failure = err.Error()
	}
}
