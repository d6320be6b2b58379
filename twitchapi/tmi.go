package twitchapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DefaultTMIBase is the legacy TMI root serving the hosts list.
const DefaultTMIBase = "https://tmi.twitch.tv"

// TMIClient reads the unauthenticated TMI hosts endpoint. It does not share the Helix budget.
type TMIClient struct {
	HTTPClient Doer
	BaseURL    string
	Log        CallLog
}

// Host is a channel currently hosting the target.
type Host struct {
	HostID    uint64 `json:"host_id"`
	HostLogin string `json:"host_login"`
}

// GetHosts returns the channels hosting targetID.
func (tc *TMIClient) GetHosts(ctx context.Context, targetID string) ([]Host, error) {
	if targetID == "" {
		return nil, fmt.Errorf("targetID empty")
	}
	base := DefaultTMIBase
	if tc.BaseURL != "" {
		base = strings.TrimRight(tc.BaseURL, "/")
	}
	q := url.Values{}
	q.Set("include_logins", "1")
	q.Set("target", targetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/hosts?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Hosts []Host `json:"hosts"`
	}
	t := &transport{api: "tmi", client: tc.HTTPClient, log: tc.Log}
	if _, err := t.do(ctx, callFrom(ctx, "getChannelHosts"), req, &body); err != nil {
		return nil, err
	}
	return body.Hosts, nil
}
