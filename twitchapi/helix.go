// Package twitchapi contains the Helix and TMI clients used by the pollers.
// Every call observes the shared rate budget, is written to the call log and
// fails with either a *TransportError or a *PlatformError.
package twitchapi

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultHelixBase is the production Helix API root.
const DefaultHelixBase = "https://api.twitch.tv/helix"

// HelixClient calls the Helix endpoints needed to keep channel state in sync.
type HelixClient struct {
	ClientID   string
	Tokens     oauth2.TokenSource
	HTTPClient Doer
	BaseURL    string
	Budget     Budget
	Log        CallLog
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixBase
}

func (hc *HelixClient) transport() *transport {
	return &transport{api: "helix", client: hc.HTTPClient, budget: hc.Budget, log: hc.Log}
}

func (hc *HelixClient) request(ctx context.Context, call, method, path string, q url.Values, body any, out any) (int, error) {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", call, err)
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.base() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return 0, err
	}
	if hc.Tokens == nil {
		return 0, fmt.Errorf("twitch token source not configured")
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return 0, fmt.Errorf("twitch token: %w", err)
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.transport().do(ctx, callFrom(ctx, call), req, out)
}

// User is a Helix user.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
	ViewCount   uint   `json:"view_count"`
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []User `json:"data"`
	}
	q := url.Values{}
	q.Set("login", strings.ToLower(login))
	if _, err := hc.request(ctx, "getChannelID", http.MethodGet, "/users", q, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// GetUsers looks up to 100 users by id in a single call.
func (hc *HelixClient) GetUsers(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > 100 {
		return nil, fmt.Errorf("too many ids: %d (max 100)", len(ids))
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("id", id)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if _, err := hc.request(ctx, "getUsers", http.MethodGet, "/users", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Stream is a live stream entry.
type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount uint      `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStreams returns the active streams of userID (empty when offline) and the HTTP status.
func (hc *HelixClient) GetStreams(ctx context.Context, userID string) ([]Stream, int, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("userID empty")
	}
	q := url.Values{}
	q.Set("user_id", userID)
	var body struct {
		Data []Stream `json:"data"`
	}
	status, err := hc.request(ctx, "getCurrentStreamData", http.MethodGet, "/streams", q, nil, &body)
	if err != nil {
		return nil, status, err
	}
	return body.Data, status, nil
}

// Follower is one entry of the channel followers list.
type Follower struct {
	UserID     string    `json:"user_id"`
	UserLogin  string    `json:"user_login"`
	FollowedAt time.Time `json:"followed_at"`
}

// FollowersPage is a single page of channel followers.
type FollowersPage struct {
	Total  uint
	Data   []Follower
	Status int
}

// GetChannelFollowers lists followers of broadcasterID. When userID is set only that user is checked.
func (hc *HelixClient) GetChannelFollowers(ctx context.Context, broadcasterID, userID string, first int) (*FollowersPage, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	if userID != "" {
		q.Set("user_id", userID)
	}
	if first > 0 {
		q.Set("first", fmt.Sprintf("%d", first))
	}
	var body struct {
		Total uint       `json:"total"`
		Data  []Follower `json:"data"`
	}
	status, err := hc.request(ctx, "getChannelFollowers", http.MethodGet, "/channels/followers", q, nil, &body)
	if err != nil {
		return nil, err
	}
	return &FollowersPage{Total: body.Total, Data: body.Data, Status: status}, nil
}

// Subscription is one broadcaster subscription entry.
type Subscription struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	Tier      string `json:"tier"`
}

// GetSubscriptions returns the first page of subscriptions and the total count.
func (hc *HelixClient) GetSubscriptions(ctx context.Context, broadcasterID string) ([]Subscription, uint, error) {
	if broadcasterID == "" {
		return nil, 0, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", "100")
	var body struct {
		Total uint           `json:"total"`
		Data  []Subscription `json:"data"`
	}
	if _, err := hc.request(ctx, "getChannelSubscribers", http.MethodGet, "/subscriptions", q, nil, &body); err != nil {
		return nil, 0, err
	}
	return body.Data, body.Total, nil
}

// Game is a Helix game/category.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// GetGame looks a game up by id or, when id is empty, by name. It returns nil when nothing matches.
func (hc *HelixClient) GetGame(ctx context.Context, id, name string) (*Game, error) {
	q := url.Values{}
	switch {
	case id != "":
		q.Set("id", id)
	case name != "":
		q.Set("name", name)
	default:
		return nil, fmt.Errorf("game id and name empty")
	}
	var body struct {
		Data []Game `json:"data"`
	}
	if _, err := hc.request(ctx, "getGameFromId", http.MethodGet, "/games", q, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, nil
	}
	return &body.Data[0], nil
}

// Channel is the broadcaster's channel information.
type Channel struct {
	BroadcasterID string `json:"broadcaster_id"`
	GameID        string `json:"game_id"`
	GameName      string `json:"game_name"`
	Title         string `json:"title"`
}

// GetChannel returns channel information together with the HTTP status.
func (hc *HelixClient) GetChannel(ctx context.Context, broadcasterID string) (*Channel, int, error) {
	if broadcasterID == "" {
		return nil, 0, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	var body struct {
		Data []Channel `json:"data"`
	}
	status, err := hc.request(ctx, "getChannelData", http.MethodGet, "/channels", q, nil, &body)
	if err != nil {
		return nil, status, err
	}
	if len(body.Data) == 0 {
		return nil, status, fmt.Errorf("channel %s not found", broadcasterID)
	}
	return &body.Data[0], status, nil
}

// ChannelUpdate is the body of a channel modification; empty fields are left untouched.
type ChannelUpdate struct {
	Title  string `json:"title,omitempty"`
	GameID string `json:"game_id,omitempty"`
}

// ModifyChannel updates title and/or game in one call, then reads the channel back so
// the caller can compare what the platform actually stored.
func (hc *HelixClient) ModifyChannel(ctx context.Context, broadcasterID string, upd ChannelUpdate) (*Channel, int, error) {
	if broadcasterID == "" {
		return nil, 0, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	if _, err := hc.request(ctx, "setTitleAndGame", http.MethodPatch, "/channels", q, upd, nil); err != nil {
		return nil, 0, err
	}
	return hc.GetChannel(WithCall(ctx, "setTitleAndGame"), broadcasterID)
}
