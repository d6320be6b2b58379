package twitchapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenURL is the Twitch OAuth token endpoint used for the client-credentials grant.
const TokenURL = "https://id.twitch.tv/oauth2/token"

// TokenConfig selects how Helix bearer tokens are obtained.
// A UserToken (with or without the "oauth:" prefix) wins over app credentials; the
// subscriber and channel-edit endpoints only work with a broadcaster user token.
type TokenConfig struct {
	ClientID     string
	ClientSecret string
	UserToken    string
	TokenURL     string
	HTTPClient   *http.Client
}

// NewTokenSource returns a caching token source for Helix calls.
// App tokens are refreshed one minute before expiry.
func NewTokenSource(ctx context.Context, cfg TokenConfig) (oauth2.TokenSource, error) {
	if tok := strings.TrimPrefix(strings.TrimSpace(cfg.UserToken), "oauth:"); tok != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}), nil
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for twitch app token")
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = TokenURL
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, cfg.HTTPClient)
	}
	return oauth2.ReuseTokenSourceWithExpiry(nil, cc.TokenSource(ctx), 60*time.Second), nil
}
