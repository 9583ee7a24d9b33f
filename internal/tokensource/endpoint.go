package tokensource

import "golang.org/x/oauth2"

// ClientID is the public OAuth client registered for Claude Code.
const ClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

// RedirectURL is the console page that displays the "code#state" value to paste back.
const RedirectURL = "https://console.anthropic.com/oauth/code/callback"

// Endpoint is the Claude OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://claude.ai/oauth/authorize",
	TokenURL:  "https://console.anthropic.com/v1/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

var scopes = []string{"org:create_api_key", "user:profile", "user:inference"}
