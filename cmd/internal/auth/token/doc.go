// Package token implements the stateless codec for storefront access and
// refresh tokens.
//
// Both token kinds are RS256-signed JWTs. Access tokens are short-lived and
// carry the user's role snapshot, token family id (tfid) and the per-user
// token version; refresh tokens are long-lived and carry a unique jti that
// binds them to a single RefreshTokenRecord in the session registry.
//
// The codec holds no mutable state: verification is a pure function of the
// token string, the public key, and the supplied clock.
package token
