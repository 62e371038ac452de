// Package identity authenticates users and reports who is signed in.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/pliu/duochat/internal/auth"
	"github.com/pliu/duochat/internal/chat"
)

// Provider is an external identity service holding one client's auth state.
type Provider interface {
	SignIn(ctx context.Context, creds Credentials) (string, error)
	SignOut(ctx context.Context) error
	// CurrentUser returns "" when nobody is signed in.
	CurrentUser(ctx context.Context) (string, error)
	// OnAuthStateChange calls fn with the new user id after every sign-in or
	// sign-out until the returned function is called.
	OnAuthStateChange(fn func(userID string)) func()
}

// PasswordProvider signs in against Accounts and keeps the resulting session
// token. Each connected client gets its own. The session signs itself out
// when the token expires.
type PasswordProvider struct {
	accounts *Accounts
	issuer   *auth.Issuer

	mu        sync.Mutex
	token     string
	expiry    *time.Timer
	listeners map[int]func(string)
	next      int
}

var _ Provider = (*PasswordProvider)(nil)

func NewPasswordProvider(accounts *Accounts, issuer *auth.Issuer) *PasswordProvider {
	return &PasswordProvider{
		accounts:  accounts,
		issuer:    issuer,
		listeners: make(map[int]func(string)),
	}
}

func (p *PasswordProvider) SignIn(ctx context.Context, creds Credentials) (string, error) {
	user, err := p.accounts.Authenticate(ctx, creds)
	if err != nil {
		return "", err
	}
	token, err := p.issuer.Issue(user.ID)
	if err != nil {
		return "", err
	}
	p.setToken(token, user.ID)
	return user.ID, nil
}

// SignUp registers a new account and signs it in.
func (p *PasswordProvider) SignUp(ctx context.Context, name string, creds Credentials) (string, error) {
	if _, err := p.accounts.Register(ctx, name, creds.Email, creds.Password); err != nil {
		return "", err
	}
	return p.SignIn(ctx, creds)
}

// Resume restores a session from a previously issued token.
func (p *PasswordProvider) Resume(_ context.Context, token string) (string, error) {
	userID, err := p.issuer.Verify(token)
	if err != nil {
		return "", chat.ErrUnauthenticated
	}
	p.setToken(token, userID)
	return userID, nil
}

func (p *PasswordProvider) SignOut(context.Context) error {
	p.setToken("", "")
	return nil
}

func (p *PasswordProvider) CurrentUser(context.Context) (string, error) {
	token := p.Token()
	if token == "" {
		return "", nil
	}
	return p.issuer.Verify(token)
}

// Token returns the current session token, or "" when signed out.
func (p *PasswordProvider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

func (p *PasswordProvider) OnAuthStateChange(fn func(string)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.listeners, id)
			p.mu.Unlock()
		})
	}
}

// Close stops the expiry timer without notifying listeners.
func (p *PasswordProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
}

func (p *PasswordProvider) setToken(token, userID string) {
	p.mu.Lock()
	p.token = token
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}
	if token != "" {
		left, err := p.issuer.Remaining(token)
		if err != nil {
			left = 0
		}
		p.expiry = time.AfterFunc(left, func() { p.expire(token) })
	}
	fns := p.snapshotLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(userID)
	}
}

// expire signs out if token is still the current one.
func (p *PasswordProvider) expire(token string) {
	p.mu.Lock()
	if p.token != token {
		p.mu.Unlock()
		return
	}
	p.token = ""
	p.expiry = nil
	fns := p.snapshotLocked()
	p.mu.Unlock()

	for _, fn := range fns {
		fn("")
	}
}

func (p *PasswordProvider) snapshotLocked() []func(string) {
	fns := make([]func(string), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}
