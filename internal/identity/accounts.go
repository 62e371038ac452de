package identity

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
)

const MinPasswordLength = 6

var (
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrInvalidProfile     = errors.New("identity: invalid profile")
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Accounts owns user records and their password hashes.
type Accounts struct {
	users store.UserStore
	// Cost is the bcrypt cost used for new hashes.
	Cost int
}

func NewAccounts(users store.UserStore) *Accounts {
	return &Accounts{users: users, Cost: bcrypt.DefaultCost}
}

func (a *Accounts) Register(ctx context.Context, name, email, password string) (*models.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email %q", ErrInvalidProfile, email)
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must have at least %d characters", ErrInvalidProfile, MinPasswordLength)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), a.Cost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:       uuid.NewString(),
		Name:     name,
		Email:    email,
		Password: string(hashedPassword),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrEmailTaken
		}
		return nil, chat.Unavailable("create user", err)
	}
	return user, nil
}

func (a *Accounts) Authenticate(ctx context.Context, creds Credentials) (*models.User, error) {
	user, err := a.users.GetUserByEmail(ctx, strings.TrimSpace(creds.Email))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, chat.Unavailable("get user", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

func (a *Accounts) User(ctx context.Context, id string) (*models.User, error) {
	user, err := a.users.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chat.ErrUnauthenticated
	}
	if err != nil {
		return nil, chat.Unavailable("get user", err)
	}
	return user, nil
}

// Contact looks up another registered user. Unknown ids are
// chat.ErrInvalidParticipants, since a room can only be shared with a user.
func (a *Accounts) Contact(ctx context.Context, id string) (*models.User, error) {
	user, err := a.users.GetUserByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown user %q", chat.ErrInvalidParticipants, id)
	}
	if err != nil {
		return nil, chat.Unavailable("get user", err)
	}
	return user, nil
}

// UpdateName changes the display name. Blank names are rejected.
func (a *Accounts) UpdateName(ctx context.Context, id, name string) (*models.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidProfile)
	}
	if err := a.users.UpdateUserName(ctx, id, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.ErrUnauthenticated
		}
		return nil, chat.Unavailable("update user", err)
	}
	return a.User(ctx, id)
}

// ChangePassword replaces the password after checking the current one.
func (a *Accounts) ChangePassword(ctx context.Context, id, current, next string) error {
	user, err := a.User(ctx, id)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(current)); err != nil {
		return ErrInvalidCredentials
	}
	if len(next) < MinPasswordLength {
		return fmt.Errorf("%w: password must have at least %d characters", ErrInvalidProfile, MinPasswordLength)
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(next), a.Cost)
	if err != nil {
		return err
	}
	if err := a.users.UpdateUserPassword(ctx, id, string(hashedPassword)); err != nil {
		return chat.Unavailable("update password", err)
	}
	return nil
}

// Search lists other users whose email contains query.
func (a *Accounts) Search(ctx context.Context, query, excludeID string) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.User{}, nil
	}
	users, err := a.users.SearchUsers(ctx, query, excludeID)
	if err != nil {
		return nil, chat.Unavailable("search users", err)
	}
	if users == nil {
		users = []models.User{}
	}
	return users, nil
}
