// Package tokensource implements the Claude OAuth2 flows: the interactive PKCE authorization
// used by "claudine auth login" and the refresh-token grant used by the credential broker.
//
// Anthropic's OAuth2 implementation require custom handling in a few ways:
//   - Token exchange and refresh use JSON-encoded requests (OAuth2 typically uses form-encoding)
//   - Token exchange requires a "state" field in the request body
//   - Authorization codes are returned in "code#state" format requiring custom parsing
//
// # OAuth2 Authorization Flow
//
// Use Authorizer for the initial OAuth2 flow to obtain refresh tokens:
//
//	auth := tokensource.NewAuthorizer(tokensource.Endpoint, tokensource.RedirectURL)
//	verifier := oauth2.GenerateVerifier() // Save for Exchange call
//	authURL := auth.AuthCodeURL(verifier)
//	// After user authorizes, Anthropic redirects with "code#state" format
//	codeWithState := "auth_code_xyz#state_value" // Extract from redirect
//	token, err := auth.Exchange(ctx, codeWithState, verifier)
//
// # Refresh
//
// Refresher implements credential.Refresher. Failed refreshes are reported as
// *oauth2.RetrieveError so callers can tell a revoked grant from a transient failure:
//
//	r := tokensource.NewRefresher(tokensource.Endpoint, tokensource.WithTransport(customTransport))
//	cred, err := r.Refresh(ctx, refreshToken)
package tokensource
