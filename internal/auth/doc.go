// Package auth provides bearer-token authentication for agent-bridge.
//
// # Tokens
//
// Callers present an HS256 JWT signed with auth.jwt_secret (at least 32
// bytes). The "sub" claim names the caller; the optional "scopes" claim
// lists what it may do:
//
//   - requests: submit voice, email and API requests (the default)
//   - admin: read agent logs and the request ledger, hand off sessions
//
// Tokens are minted with the CLI:
//
//	agent-bridge token --subject voice-client --scope requests --ttl 720h
//
// # HTTP
//
// HTTPAuthMiddleware reads the Authorization header. WebSocket upgrades may
// pass the token as ?access_token= instead. RequireScope gates individual
// routes. When no secret is configured the middleware admits everyone as
// an anonymous admin.
//
// # gRPC
//
// UnaryInterceptor and StreamInterceptor read "authorization" metadata.
// Methods passed as exempt, such as grpc.health.v1.Health/Check, are not
// authenticated so probes keep working.
package auth
