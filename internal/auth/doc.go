// Package auth protects the notification endpoint with JWT bearer tokens.
//
// Tokens are HS256, signed with auth.jwt_secret (at least MinSecretLength
// bytes), carry iss "link-relay", and must have an expiry. The subject names
// the calling application and can be restricted with auth.allowed_subjects.
//
// Mint a token with the admin CLI:
//
//	link-relay-admin token --sub billing-app --ttl 720h
//
// When no secret is configured the endpoint is open, matching deployments
// where the relay is only reachable over a tailnet.
package auth
