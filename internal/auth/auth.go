// Package auth registers owners, checks their passwords and issues the bearer
// tokens that scope every job request to one owner.
//
// Passwords are stored as bcrypt hashes. Tokens are HS256 JWTs carrying the
// owner id and an expiry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/pocwisper/internal/job"
)

// ErrInvalidCredentials is returned by [Service.Login] for an unknown user or
// a wrong password alike.
var ErrInvalidCredentials = errors.New("auth: incorrect username or password")

// DefaultTokenTTL is the token lifetime used when none is configured.
const DefaultTokenTTL = 30 * time.Minute

// Service implements registration, login and token verification.
type Service struct {
	store  job.Store
	secret []byte
	ttl    time.Duration
	cost   int
	now    func() time.Time
}

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithTokenTTL sets how long issued tokens stay valid.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithBcryptCost overrides the bcrypt work factor. Tests use bcrypt.MinCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service. secret signs the tokens and must not be empty.
func New(store job.Store, secret string, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, errors.New("auth: secret must not be empty")
	}
	s := &Service{
		store:  store,
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		cost:   bcrypt.DefaultCost,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Register creates a new owner. Input problems wrap [job.ErrBadInput]; a taken
// username or email returns [job.ErrDuplicate].
func (s *Service) Register(ctx context.Context, username, email, password string) (*job.Owner, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	var errs []error
	if username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if _, err := mail.ParseAddress(email); err != nil {
		errs = append(errs, fmt.Errorf("email %q is invalid", email))
	}
	if password == "" {
		errs = append(errs, errors.New("password is required"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", job.ErrBadInput, errors.Join(errs...))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	o := &job.Owner{Username: username, Email: email, HashedPassword: string(hash)}
	if err := s.store.CreateOwner(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Login checks the password and returns a bearer token.
func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	o, err := s.store.OwnerByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return Token{}, ErrInvalidCredentials
		}
		return Token{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(o.HashedPassword), []byte(password)); err != nil {
		return Token{}, ErrInvalidCredentials
	}
	tok, err := signToken(s.secret, o.ID, s.now().Add(s.ttl))
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: tok, TokenType: "bearer"}, nil
}

// Authenticate resolves a bearer token to its owner. A token for a deleted
// owner is rejected with [ErrInvalidToken].
func (s *Service) Authenticate(ctx context.Context, token string) (*job.Owner, error) {
	id, err := parseToken(s.secret, token, s.now())
	if err != nil {
		return nil, err
	}
	o, err := s.store.Owner(ctx, id)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	return o, nil
}
