// Package registry tracks refresh-token families and performs linear
// refresh rotation with reuse detection.
//
// Every login starts a family. Each refresh token belongs to exactly one
// family and may be redeemed once; redeeming it consumes the token and
// issues a successor in the same family. Presenting a consumed token is
// treated as theft and revokes the whole family.
package registry
