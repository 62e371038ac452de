package identity

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Adapter narrows a Provider to the two questions the chat core asks: who is
// signed in now, and tell me when that changes.
type Adapter struct {
	provider Provider
	log      zerolog.Logger
}

func NewAdapter(p Provider, log zerolog.Logger) *Adapter {
	return &Adapter{provider: p, log: log.With().Str("component", "identity").Logger()}
}

// CurrentUserID returns the signed-in user, or "" when nobody is signed in or
// the provider cannot tell.
func (a *Adapter) CurrentUserID(ctx context.Context) string {
	id, err := a.provider.CurrentUser(ctx)
	if err != nil {
		a.log.Debug().Err(err).Msg("treating provider failure as signed out")
		return ""
	}
	return id
}

// OnAuthChange calls fn with the current user id right away and again on every
// change. Repeats of the same id are dropped and calls are sequential.
func (a *Adapter) OnAuthChange(ctx context.Context, fn func(userID string)) func() {
	var (
		mu    sync.Mutex
		fired bool
		last  string
	)
	emit := func(id string) {
		if !fired || id != last {
			fired = true
			last = id
			fn(id)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	unsubscribe := a.provider.OnAuthStateChange(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		emit(id)
	})
	emit(a.CurrentUserID(ctx))
	return unsubscribe
}
