// Package middleware provides the HTTP middleware chain of the service.
//
// # Overview
//
// Requests arrive from the API gateway, which authenticates the user and
// forwards identity as headers. This package turns those headers into a
// typed identity, tags requests with ids, writes access logs, enforces the
// shared key on /internal routes, and rate limits per user.
//
// # Middleware Components
//
// IdentityMiddleware: gateway header extraction
//
//	router.Use(middleware.IdentityMiddleware(logger))
//	// Parses X-User-Id and friends, adds identity.Identity to the context.
//	// Malformed headers reject the request; absent headers pass it through
//	// unauthenticated for the gates downstream to refuse.
//
// InternalAPIKey: shared-secret check for service-to-service routes
//
//	internal.Use(middleware.InternalAPIKey(cfg.Auth.InternalAPIKey, logger))
//
// RequestID / AccessLog: request tagging and structured access logging
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.AccessLog(logger))
//
// RateLimiter: Redis-backed fixed-window limiting, keyed per user
//
//	limiter := middleware.NewRateLimiter(redisClient, nil, logger)
//	router.Use(limiter.Handler)
//
// # Related Packages
//
//   - pkg/identity: the parsed caller identity
//   - pkg/rbac: permission checking against that identity
package middleware
