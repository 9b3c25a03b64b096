// Package identity is the user-management collaborator consumed by the
// session registry and the realtime gateway.
//
// The rest of the system only reads a narrow surface of it: the per-user
// token version, the banned flag, the soft-delete timestamp, and the role
// set. Writes are limited to registration and password changes (which bump
// the token version so that previously issued access tokens stop verifying).
package identity
