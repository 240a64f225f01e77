package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tenancy/store"
)

var (
	// ErrInvalidToken is returned for malformed, expired, foreign or
	// already-used credential tokens.
	ErrInvalidToken = errors.New("invalid credential token")
	// ErrInvalidCredentials is returned when an email/password pair does
	// not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// MinPasswordLen is the shortest accepted password.
const MinPasswordLen = 8

// DefaultTokenTTL is how long a credential token stays valid.
const DefaultTokenTTL = 72 * time.Hour

const tokenIssuer = "tenancy-identity"

// TokenConfig signs credential tokens.
type TokenConfig struct {
	Secret []byte
	TTL    time.Duration
}

// CredentialToken lets the holder set the password of one identity once.
type CredentialToken struct {
	IdentityID uuid.UUID `json:"identity_id"`
	Namespace  string    `json:"namespace"`
	Email      string    `json:"email"`
	// UID is the URL-safe encoding of IdentityID, for set-password links.
	UID       string    `json:"uid"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type credentialClaims struct {
	Namespace   string `json:"ns"`
	Fingerprint string `json:"fp"`
	jwt.RegisteredClaims
}

// Service manages identities in tenant namespaces.
type Service struct {
	store  Store
	secret []byte
	ttl    time.Duration
	cost   int
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. cfg.Secret must not be empty.
func NewService(s Store, cfg TokenConfig, logger *slog.Logger) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("identity token secret is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTokenTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  s,
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		cost:   bcrypt.DefaultCost,
		logger: logger,
		now:    time.Now,
	}, nil
}

// CreateOrGetIdentity returns the identity for email in namespace, creating
// it with an unusable password when missing.
func (s *Service) CreateOrGetIdentity(ctx context.Context, namespace, email string) (*Identity, bool, error) {
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, false, err
	}
	n := &Identity{Email: addr}
	n.setUnusablePassword()
	id, created, err := s.store.GetOrCreate(ctx, namespace, n)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("identity created", "tenant", namespace, "email", addr)
	}
	return id, created, nil
}

// AdminInput describes the administrator to ensure in a namespace.
type AdminInput struct {
	Email       string
	Password    string
	DisplayName string
}

// EnsureAdmin creates or updates the namespace administrator. A supplied
// password is set; otherwise an identity that cannot log in yet receives a
// credential token, returned as the second result.
func (s *Service) EnsureAdmin(ctx context.Context, namespace string, in AdminInput) (*Identity, *CredentialToken, error) {
	if in.Password != "" && len(in.Password) < MinPasswordLen {
		return nil, nil, store.Invalid("password", "must be at least %d characters", MinPasswordLen)
	}
	id, _, err := s.CreateOrGetIdentity(ctx, namespace, in.Email)
	if err != nil {
		return nil, nil, err
	}

	id.IsAdmin = true
	if name := strings.TrimSpace(in.DisplayName); name != "" && id.DisplayName == "" {
		id.DisplayName = name
	}
	if in.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
		if err != nil {
			return nil, nil, fmt.Errorf("hash password: %w", err)
		}
		id.PasswordHash = string(hash)
	}
	if err := s.store.Update(ctx, namespace, id); err != nil {
		return nil, nil, err
	}

	if id.HasUsablePassword() {
		return id, nil, nil
	}
	tok, err := s.issue(id)
	if err != nil {
		return nil, nil, err
	}
	return id, tok, nil
}

// IssueCredentialToken signs a one-time token for setting the password of
// identity id. The token is void once the password changes.
func (s *Service) IssueCredentialToken(ctx context.Context, namespace string, id uuid.UUID) (*CredentialToken, error) {
	ident, err := s.store.Get(ctx, namespace, id)
	if err != nil {
		return nil, err
	}
	return s.issue(ident)
}

func (s *Service) issue(id *Identity) (*CredentialToken, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := credentialClaims{
		Namespace:   id.Namespace,
		Fingerprint: fingerprint(id.PasswordHash),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   id.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign credential token: %w", err)
	}
	return &CredentialToken{
		IdentityID: id.ID,
		Namespace:  id.Namespace,
		Email:      id.Email,
		UID:        base64.RawURLEncoding.EncodeToString(id.ID[:]),
		Token:      signed,
		ExpiresAt:  exp.UTC(),
	}, nil
}

// SetPassword redeems a credential token issued for namespace.
func (s *Service) SetPassword(ctx context.Context, namespace, token, password string) (*Identity, error) {
	if len(password) < MinPasswordLen {
		return nil, store.Invalid("password", "must be at least %d characters", MinPasswordLen)
	}

	var claims credentialClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Namespace != namespace {
		return nil, fmt.Errorf("%w: issued for another tenant", ErrInvalidToken)
	}
	subject, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}

	id, err := s.store.Get(ctx, namespace, subject)
	if err != nil {
		return nil, err
	}
	if fingerprint(id.PasswordHash) != claims.Fingerprint {
		return nil, fmt.Errorf("%w: already used", ErrInvalidToken)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	id.PasswordHash = string(hash)
	if err := s.store.Update(ctx, namespace, id); err != nil {
		return nil, err
	}
	s.logger.Info("identity password set", "tenant", namespace, "email", id.Email)
	return id, nil
}

// Authenticate checks an email and password.
func (s *Service) Authenticate(ctx context.Context, namespace, email, password string) (*Identity, error) {
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	id, err := s.store.GetByEmail(ctx, namespace, addr)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !id.HasUsablePassword() {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(id.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return id, nil
}

// Lookup returns the identity registered under email in namespace.
func (s *Service) Lookup(ctx context.Context, namespace, email string) (*Identity, error) {
	addr, err := NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	return s.store.GetByEmail(ctx, namespace, addr)
}

// List returns every identity in namespace.
func (s *Service) List(ctx context.Context, namespace string) ([]*Identity, error) {
	return s.store.List(ctx, namespace)
}

func fingerprint(hash string) string {
	sum := sha256.Sum256([]byte(hash))
	return hex.EncodeToString(sum[:8])
}
