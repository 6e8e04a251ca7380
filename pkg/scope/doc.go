// Package scope decides WHERE a caller may see data: it reconciles the two
// scoping mechanisms carried by the platform and turns the result into a
// query predicate.
//
// The legacy mechanism is attribute scoping: users carry commune (xa),
// sub-compartment (tieukhu) and compartment (khoanh) codes, matched against
// feature attribution columns. The newer mechanism is hierarchical data
// scoping: roles grant materialized-path nodes of the administrative
// boundary tree, matched spatially against the boundary geometries.
//
// Both mechanisms can be present for one user. Reconciliation intersects
// them, so a grant can only ever narrow what the other mechanism allows.
// A user with neither mechanism sees an empty result set. That default is
// the package's most important property: absence of scope is absence of
// data, never all of it.
package scope
