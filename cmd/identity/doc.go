// Package identity resolves who the daemon is acting for.
//
// The upstream gateway authenticates the bearer token; this package only
// reads the subject out of it so the engine knows its current user id.
package identity
