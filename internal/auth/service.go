package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
)

// Auditor receives audit entries. *audit.Recorder implements it.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

// Observer receives authentication outcomes for metrics. *obs.Metrics implements it.
type Observer interface {
	ObserveLogin(outcome string)
	ObserveRefresh(outcome string)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Entry) {}

type nopObserver struct{}

func (nopObserver) ObserveLogin(string)   {}
func (nopObserver) ObserveRefresh(string) {}

// Service issues, verifies and refreshes tokens and manages identities.
type Service struct {
	identities IdentityStore
	tokens     RefreshTokenStore
	auditor    Auditor
	observer   Observer
	now        func() time.Time

	signer       *signer
	secret       string
	privatePEM   string
	publicPEM    string
	keyID        string
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	passwordCost int
	dummyHash    string
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret enables HS256 signing with the provided secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		s.secret = strings.TrimSpace(secret)
		return nil
	}
}

// WithRS256Keys configures RSA keys used for signing and verifying JWTs.
// They take precedence over a token secret.
func WithRS256Keys(privatePEM, publicPEM string) ServiceOption {
	return func(s *Service) error {
		s.privatePEM = privatePEM
		s.publicPEM = publicPEM
		return nil
	}
}

// WithKeyID sets the key identifier embedded into JWT headers.
func WithKeyID(kid string) ServiceOption {
	return func(s *Service) error {
		s.keyID = strings.TrimSpace(kid)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		s.issuer = strings.TrimSpace(issuer)
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithAuditor routes audit entries to a.
func WithAuditor(a Auditor) ServiceOption {
	return func(s *Service) error {
		if a != nil {
			s.auditor = a
		}
		return nil
	}
}

// WithObserver reports login and refresh outcomes to o.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) error {
		if o != nil {
			s.observer = o
		}
		return nil
	}
}

// WithPasswordCost sets the bcrypt cost for new hashes.
func WithPasswordCost(cost int) ServiceOption {
	return func(s *Service) error {
		if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
			return fmt.Errorf("auth: bcrypt cost %d out of range", cost)
		}
		s.passwordCost = cost
		return nil
	}
}

// NewService constructs Service with optional configuration. A token secret
// or an RSA key pair is required.
func NewService(identities IdentityStore, tokens RefreshTokenStore, opts ...ServiceOption) (*Service, error) {
	if identities == nil || tokens == nil {
		return nil, errors.New("auth: identity and refresh token stores are required")
	}
	svc := &Service{
		identities:   identities,
		tokens:       tokens,
		auditor:      nopAuditor{},
		observer:     nopObserver{},
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		passwordCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}

	var err error
	switch {
	case strings.TrimSpace(svc.privatePEM) != "" || strings.TrimSpace(svc.publicPEM) != "":
		svc.signer, err = newRSASigner(svc.privatePEM, svc.publicPEM)
	case svc.secret != "":
		svc.signer, err = newHMACSigner(svc.secret)
	default:
		err = errors.New("auth: a token secret or RSA key pair is required")
	}
	if err != nil {
		return nil, err
	}
	svc.signer.keyID = svc.keyID
	svc.secret, svc.privatePEM = "", ""

	svc.dummyHash, err = HashPassword(dummyPassword, svc.passwordCost)
	if err != nil {
		return nil, fmt.Errorf("auth: prepare dummy hash: %w", err)
	}
	return svc, nil
}

// AccessTTL reports the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// RefreshTTL reports the configured refresh token lifetime.
func (s *Service) RefreshTTL() time.Duration { return s.refreshTTL }

// Login checks credentials and issues a fresh token pair. Unknown email,
// wrong password and disabled identity are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, *Identity, error) {
	email = normalizeEmail(email)
	ident, err := s.identities.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		_ = VerifyPassword(s.dummyHash, password)
		s.observer.ObserveLogin("invalid_credentials")
		s.record(ctx, audit.Entry{
			Action:      "login",
			Description: fmt.Sprintf("login failed for %q", email),
			EntityType:  "identity",
			Outcome:     audit.OutcomeFailure,
		})
		return TokenPair{}, nil, ErrInvalidCredentials
	case err != nil:
		s.observer.ObserveLogin("error")
		s.record(ctx, audit.Entry{
			Action:      "login",
			Description: fmt.Sprintf("login failed for %q: identity store unavailable", email),
			EntityType:  "identity",
			Outcome:     audit.OutcomeFailure,
		})
		return TokenPair{}, nil, storageError("find identity", err)
	}

	if err := VerifyPassword(ident.PasswordHash, password); err != nil || !ident.Active() {
		reason := "wrong password"
		if err == nil {
			reason = "identity disabled"
		}
		s.observer.ObserveLogin("invalid_credentials")
		s.record(ctx, entryFor(ident, "login", "login failed: "+reason, audit.OutcomeFailure))
		return TokenPair{}, nil, ErrInvalidCredentials
	}

	pair, err := s.mint(ctx, ident)
	if err != nil {
		s.observer.ObserveLogin("error")
		s.record(ctx, entryFor(ident, "login", "login failed: tokens could not be issued", audit.OutcomeFailure))
		return TokenPair{}, nil, err
	}
	s.observer.ObserveLogin("success")
	s.record(ctx, entryFor(ident, "login", "login succeeded", audit.OutcomeSuccess))
	return pair, ident, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// consumed, so replaying it fails with ErrRefreshTokenRevoked. Role and
// branch are re-read from the identity store.
func (s *Service) Refresh(ctx context.Context, raw string) (TokenPair, *Identity, error) {
	pair, ident, outcome, err := s.refresh(ctx, raw)
	s.observer.ObserveRefresh(outcome)
	return pair, ident, err
}

func (s *Service) refresh(ctx context.Context, raw string) (TokenPair, *Identity, string, error) {
	claims, outcome := s.parse(raw, tokenTypeRefresh)
	switch outcome {
	case TokenMissing:
		return TokenPair{}, nil, "missing", ErrMissingRefreshToken
	case TokenInvalid:
		return TokenPair{}, nil, "invalid", ErrInvalidToken
	case TokenExpired:
		return TokenPair{}, nil, "expired", ErrRefreshTokenExpired
	}

	rec, err := s.tokens.Find(ctx, claims.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, nil, "revoked", s.refreshRejected(ctx, claims.Subject, "unknown refresh token")
	case err != nil:
		return TokenPair{}, nil, "error", storageError("find refresh token", err)
	}
	if rec.Revoked() || rec.UserID != claims.Subject {
		return TokenPair{}, nil, "revoked", s.refreshRejected(ctx, claims.Subject, "refresh token revoked")
	}

	ident, err := s.identities.Find(ctx, rec.UserID)
	switch {
	case errors.Is(err, ErrNotFound):
		return TokenPair{}, nil, "revoked", s.refreshRejected(ctx, rec.UserID, "identity removed")
	case err != nil:
		return TokenPair{}, nil, "error", storageError("find identity", err)
	}
	if !ident.Active() {
		if err := s.tokens.RevokeAllForUser(ctx, ident.ID); err != nil {
			return TokenPair{}, nil, "error", storageError("revoke refresh tokens", err)
		}
		return TokenPair{}, nil, "revoked", s.refreshRejected(ctx, ident.ID, "identity disabled")
	}

	if err := s.tokens.Consume(ctx, rec.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, "revoked", s.refreshRejected(ctx, ident.ID, "refresh token already used")
		}
		return TokenPair{}, nil, "error", storageError("consume refresh token", err)
	}

	pair, err := s.mint(ctx, ident)
	if err != nil {
		return TokenPair{}, nil, "error", err
	}
	s.record(ctx, entryFor(ident, "token_refresh", "refresh token rotated", audit.OutcomeSuccess))
	return pair, ident, "success", nil
}

func (s *Service) refreshRejected(ctx context.Context, userID, reason string) error {
	s.record(ctx, audit.Entry{
		ActorID:     userID,
		Action:      "token_refresh",
		Description: reason,
		EntityType:  "identity",
		EntityID:    userID,
		Outcome:     audit.OutcomeFailure,
	})
	return ErrRefreshTokenRevoked
}

// Logout revokes the presented refresh token. Revoking an already revoked
// or expired token succeeds.
func (s *Service) Logout(ctx context.Context, raw string) error {
	claims, outcome := s.parse(raw, tokenTypeRefresh)
	switch outcome {
	case TokenMissing:
		return ErrMissingRefreshToken
	case TokenInvalid:
		return ErrInvalidToken
	case TokenExpired:
		return nil
	}
	if err := s.tokens.Revoke(ctx, claims.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return storageError("revoke refresh token", err)
	}
	s.record(ctx, audit.Entry{
		ActorID:     claims.Subject,
		Action:      "logout",
		Description: "refresh token revoked",
		EntityType:  "identity",
		EntityID:    claims.Subject,
		Outcome:     audit.OutcomeSuccess,
	})
	return nil
}

func (s *Service) mint(ctx context.Context, ident *Identity) (TokenPair, error) {
	now := s.now().UTC().Truncate(time.Second)
	access, claims, err := s.signAccess(ident, now)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, rec, err := s.signRefresh(ident.ID, now)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		return TokenPair{}, storageError("store refresh token", err)
	}
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  claims.ExpiresAt,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// PurgeExpiredTokens removes allow-list records that can no longer be
// presented because their natural expiry has passed.
func (s *Service) PurgeExpiredTokens(ctx context.Context) (int, error) {
	n, err := s.tokens.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, storageError("purge refresh tokens", err)
	}
	return n, nil
}

// RegisterInput is a self-service signup.
type RegisterInput struct {
	Email       string
	Password    string
	DisplayName string
}

// Register creates a customer identity.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Identity, error) {
	ident, err := s.create(ctx, in.Email, in.Password, in.DisplayName, RoleCustomer, "")
	if err != nil {
		return nil, err
	}
	s.record(ctx, entryFor(ident, "register", "customer account created", audit.OutcomeSuccess))
	return ident, nil
}

// CreateInput is a privileged account creation.
type CreateInput struct {
	Email       string
	Password    string
	DisplayName string
	Role        Role
	BranchID    string
}

// CreateIdentity creates an account on behalf of actor. Only an owner may
// create another owner.
func (s *Service) CreateIdentity(ctx context.Context, actor Claims, in CreateInput) (*Identity, error) {
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return nil, err
	}
	if role == RoleOwner && actor.Role != RoleOwner {
		return nil, s.denyOwnerAssignment(ctx, actor, "", role)
	}
	ident, err := s.create(ctx, in.Email, in.Password, in.DisplayName, role, in.BranchID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Entry{
		ActorID:     actor.UserID,
		Role:        string(actor.Role),
		BranchID:    ident.BranchID,
		Action:      "identity_create",
		Description: fmt.Sprintf("created %s account %s", ident.Role, ident.Email),
		EntityType:  "identity",
		EntityID:    ident.ID,
		Outcome:     audit.OutcomeSuccess,
	})
	return ident, nil
}

// branchStaffRoles are the roles a branch manager may hand out.
var branchStaffRoles = []Role{RoleStockManager, RoleUser}

// CreateBranchStaff creates a stock manager or user account inside branchID.
// The caller is expected to have passed the users.manage.branch gate for
// that branch.
func (s *Service) CreateBranchStaff(ctx context.Context, actor Claims, branchID string, in CreateInput) (*Identity, error) {
	branchID = strings.TrimSpace(branchID)
	if branchID == "" {
		return nil, fmt.Errorf("%w: branch is required", ErrInvalidInput)
	}
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return nil, err
	}
	if !slices.Contains(branchStaffRoles, role) {
		return nil, s.denyAssignment(ctx, actor, "", ActionUsersManageBranch,
			fmt.Sprintf("branch managers may not create %s accounts", role))
	}
	in.Role, in.BranchID = role, branchID
	return s.CreateIdentity(ctx, actor, in)
}

func (s *Service) create(ctx context.Context, email, password, displayName string, role Role, branchID string) (*Identity, error) {
	ident, err := NewIdentity(email, password, displayName, role, branchID, s.passwordCost, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.identities.Create(ctx, ident); err != nil {
		return nil, storageError("create identity", err)
	}
	return ident, nil
}

// NewIdentity validates the input and builds an active identity with a
// hashed password. It does not persist anything.
func NewIdentity(email, password, displayName string, role Role, branchID string, cost int, now time.Time) (*Identity, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, role)
	}
	if err := validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password, cost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	now = now.UTC()
	return &Identity{
		ID:           ids.NewAt(now),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(displayName),
		Role:         role,
		BranchID:     strings.TrimSpace(branchID),
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// ChangePassword replaces the password after checking the current one and
// revokes every refresh token the user holds.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	ident, err := s.identities.Find(ctx, userID)
	if err != nil {
		return storageError("find identity", err)
	}
	if err := VerifyPassword(ident.PasswordHash, current); err != nil {
		s.record(ctx, entryFor(ident, "password_change", "current password mismatch", audit.OutcomeFailure))
		return ErrInvalidCredentials
	}
	if err := validatePassword(next); err != nil {
		return err
	}
	hash, err := HashPassword(next, s.passwordCost)
	if err != nil {
		return fmt.Errorf("auth: hash password: %w", err)
	}
	if err := s.identities.UpdatePassword(ctx, ident.ID, hash); err != nil {
		return storageError("update password", err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, ident.ID); err != nil {
		return storageError("revoke refresh tokens", err)
	}
	s.record(ctx, entryFor(ident, "password_change", "password changed, sessions revoked", audit.OutcomeSuccess))
	return nil
}

// UpdateAccess changes role and branch. Live access tokens keep the old
// role until they expire; the next refresh picks up the change.
func (s *Service) UpdateAccess(ctx context.Context, actor Claims, userID string, role Role, branchID string) (*Identity, error) {
	role, err := ParseRole(string(role))
	if err != nil {
		return nil, err
	}
	ident, err := s.identities.Find(ctx, userID)
	if err != nil {
		return nil, storageError("find identity", err)
	}
	if (role == RoleOwner || ident.Role == RoleOwner) && actor.Role != RoleOwner {
		return nil, s.denyOwnerAssignment(ctx, actor, ident.ID, role)
	}
	branchID = strings.TrimSpace(branchID)
	if err := s.identities.UpdateAccess(ctx, ident.ID, role, branchID); err != nil {
		return nil, storageError("update access", err)
	}
	previous := ident.Role
	ident.Role, ident.BranchID = role, branchID
	s.record(ctx, audit.Entry{
		ActorID:     actor.UserID,
		Role:        string(actor.Role),
		BranchID:    branchID,
		Action:      "access_update",
		Description: fmt.Sprintf("role %s -> %s", previous, role),
		EntityType:  "identity",
		EntityID:    ident.ID,
		Outcome:     audit.OutcomeSuccess,
	})
	return ident, nil
}

// Disable soft-disables an identity and revokes its refresh tokens.
func (s *Service) Disable(ctx context.Context, actor Claims, userID string) (*Identity, error) {
	ident, err := s.identities.Find(ctx, userID)
	if err != nil {
		return nil, storageError("find identity", err)
	}
	if ident.Role == RoleOwner && actor.Role != RoleOwner {
		return nil, s.denyOwnerAssignment(ctx, actor, ident.ID, ident.Role)
	}
	if err := s.identities.SetStatus(ctx, ident.ID, StatusDisabled); err != nil {
		return nil, storageError("disable identity", err)
	}
	if err := s.tokens.RevokeAllForUser(ctx, ident.ID); err != nil {
		return nil, storageError("revoke refresh tokens", err)
	}
	ident.Status = StatusDisabled
	s.record(ctx, audit.Entry{
		ActorID:     actor.UserID,
		Role:        string(actor.Role),
		BranchID:    ident.BranchID,
		Action:      "identity_disable",
		Description: "identity disabled, sessions revoked",
		EntityType:  "identity",
		EntityID:    ident.ID,
		Outcome:     audit.OutcomeSuccess,
	})
	return ident, nil
}

// Profile loads the identity behind userID.
func (s *Service) Profile(ctx context.Context, userID string) (*Identity, error) {
	ident, err := s.identities.Find(ctx, userID)
	if err != nil {
		return nil, storageError("find identity", err)
	}
	return ident, nil
}

// ListIdentities returns identities, restricted to branchID when set.
func (s *Service) ListIdentities(ctx context.Context, branchID string) ([]*Identity, error) {
	list, err := s.identities.List(ctx, strings.TrimSpace(branchID))
	if err != nil {
		return nil, storageError("list identities", err)
	}
	return list, nil
}

func (s *Service) denyAssignment(ctx context.Context, actor Claims, targetID, action, description string) error {
	s.record(ctx, audit.Entry{
		ActorID:     actor.UserID,
		Role:        string(actor.Role),
		BranchID:    actor.BranchID,
		Action:      "access_denied",
		Description: description,
		EntityType:  "identity",
		EntityID:    targetID,
		Outcome:     audit.OutcomeDenied,
	})
	return &ForbiddenError{Action: action, Reason: ReasonRole}
}

func (s *Service) denyOwnerAssignment(ctx context.Context, actor Claims, targetID string, role Role) error {
	return s.denyAssignment(ctx, actor, targetID, "users.manage.owner",
		fmt.Sprintf("only an owner may manage %s accounts", role))
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	s.auditor.Record(ctx, e)
}

func entryFor(ident *Identity, action, description string, outcome audit.Outcome) audit.Entry {
	return audit.Entry{
		ActorID:     ident.ID,
		Role:        string(ident.Role),
		BranchID:    ident.BranchID,
		Action:      action,
		Description: description,
		EntityType:  "identity",
		EntityID:    ident.ID,
		Outcome:     outcome,
	}
}
