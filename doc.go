// Package authcore is an embeddable authentication and access-control
// engine for multi-tenant collaboration services, backed by Redis.
//
// It composes five subsystems: bearer-token lifecycle (package token),
// multi-device sessions (package session), hierarchical conditional RBAC
// (package rbac), TOTP and backup-code second factor (package twofactor),
// and argon2id password handling (package password). The Engine in this
// package sequences them for login, registration, step-up verification,
// and credential maintenance.
//
// Construction follows a builder:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(redisClient).
//		Build(ctx)
//
// All engine methods take a context and return plain data responses or
// one of three typed failures: AuthenticationError, AuthorizationError,
// ValidationError.
package authcore
