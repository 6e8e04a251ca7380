// Package rbac provides role-based access control for the ForestWatch
// forest-change monitoring platform.
//
// # Overview
//
// This package implements the permission catalog, role store, user role
// resolver and permission evaluator that together decide WHAT a caller may
// do. The companion scope package decides WHERE the caller may do it; the
// gate package combines both into a single query decision.
//
// # Architecture
//
// The RBAC system consists of four key components:
//
//  1. Catalog: the canonical registry of permission definitions, keyed by
//     dotted code "module.resource.action" (e.g. "gis.verification.verify").
//     Seeding is an idempotent upsert so deployments can re-run it safely.
//  2. Store: transactional persistence for roles, role-permission bindings,
//     role-data-scope bindings and user-role assignments.
//  3. Resolver: computes a user's effective permission set as the union of
//     all active roles' active permissions, cached per user with a TTL.
//  4. Evaluator: pure membership checks over a resolved permission set,
//     including wildcard patterns ("report.*.export") and the super-admin
//     wildcard "*".
//
// # Permission codes
//
// A permission code has exactly three dot-separated segments:
//
//	module.resource.action
//
// Examples: "gis.matrung.view", "gis.verification.verify",
// "user.role.manage", "report.matrung.export". The single code "*" grants
// everything and is reserved for the built-in super-admin role.
//
// # Fail-closed semantics
//
// Every failure path in this package denies. A resolver error, a cache
// backend outage or a malformed pattern all evaluate to "no access"; the
// system never widens access because infrastructure misbehaved.
package rbac
