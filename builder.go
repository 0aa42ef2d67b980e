package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/authcore/password"
	"github.com/harborline/authcore/rbac"
	"github.com/harborline/authcore/session"
	"github.com/harborline/authcore/store"
	"github.com/harborline/authcore/token"
	"github.com/harborline/authcore/twofactor"
)

// Builder assembles an Engine. Configure it with the With* methods and
// finish with Build; a Builder is single use.
type Builder struct {
	config    Config
	store     store.Client
	hierarchy *rbac.Hierarchy
	registry  prometheus.Registerer
	redeemer  InvitationRedeemer

	built bool
}

// New returns a Builder loaded with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis backs the engine with a Redis client.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.store = store.NewRedis(client)
	return b
}

// WithStore backs the engine with any store.Client implementation.
func (b *Builder) WithStore(st store.Client) *Builder {
	b.store = st
	return b
}

// WithHierarchy replaces the built-in role graph.
func (b *Builder) WithHierarchy(h *rbac.Hierarchy) *Builder {
	b.hierarchy = h
	return b
}

// WithMetrics registers the engine's Prometheus collectors on reg.
func (b *Builder) WithMetrics(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// WithInvitations wires the team service's invitation redeemer into
// registration.
func (b *Builder) WithInvitations(r InvitationRedeemer) *Builder {
	b.redeemer = r
	return b
}

// Build validates the configuration, constructs every subsystem, and
// initializes signing-key material. The given context bounds the
// signing-key rotation loop in asymmetric mode.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.built {
		return nil, errors.New("authcore: builder already used")
	}
	b.built = true

	if b.store == nil {
		return nil, errors.New("authcore: a store is required, use WithRedis or WithStore")
	}
	dur, err := b.config.Validate()
	if err != nil {
		return nil, err
	}
	if err := b.store.Ping(ctx); err != nil {
		return nil, errors.New("authcore: store unreachable")
	}

	tokens, err := token.NewManager(b.store, token.Config{
		Algorithm:        b.config.JWT.Algorithm,
		Secret:           []byte(b.config.JWT.Secret),
		Issuer:           b.config.JWT.Issuer,
		Audience:         b.config.JWT.Audience,
		AccessTTL:        dur.accessTTL,
		RefreshTTL:       dur.refreshTTL,
		RotationInterval: dur.rotationInterval,
		RetirementGrace:  dur.retirementGrace,
	})
	if err != nil {
		return nil, err
	}
	if err := tokens.Initialize(ctx); err != nil {
		return nil, err
	}

	sessions, err := session.NewManager(b.store, session.Config{
		TTL:             dur.sessionTTL,
		MaxSessions:     b.config.Session.MaxSessions,
		Rolling:         b.config.Session.Rolling,
		ActivityLogSize: b.config.Session.ActivityLogSize,
	})
	if err != nil {
		return nil, err
	}

	access, err := rbac.NewEngine(b.store, b.hierarchy, rbac.Config{})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.DefaultParams())
	if err != nil {
		return nil, err
	}

	var secondFactor *twofactor.Manager
	if b.config.TwoFactor.Enabled {
		secondFactor = twofactor.NewManager(b.store, twofactor.Config{
			Issuer:        b.config.TwoFactor.Issuer,
			CodeWindow:    b.config.TwoFactor.CodeWindow,
			BackupCodes:   b.config.TwoFactor.BackupCodes,
			AttemptLimit:  b.config.TwoFactor.AttemptLimit,
			AttemptWindow: dur.tfaAttemptWindow,
			TrustTTL:      dur.tfaTrustTTL,
		})
	}

	now := time.Now
	return &Engine{
		cfg:          b.config,
		dur:          dur,
		store:        b.store,
		tokens:       tokens,
		sessions:     sessions,
		access:       access,
		secondFactor: secondFactor,
		hasher:       hasher,
		policy: password.Policy{
			MinLength:        b.config.Password.MinLength,
			RequireUppercase: b.config.Password.RequireUppercase,
			RequireLowercase: b.config.Password.RequireLowercase,
			RequireNumber:    b.config.Password.RequireNumber,
			RequireSymbol:    b.config.Password.RequireSymbol,
		},
		users:    &userStore{store: b.store, now: now},
		resets:   &resetStore{store: b.store, ttl: dur.resetTokenTTL},
		redeemer: b.redeemer,
		metrics:  newEngineMetrics(b.registry),
		now:      now,
	}, nil
}
