// Package zoom is a minimal Zoom API client covering the two calls the bot
// needs: a server-to-server OAuth token exchange and meeting creation.
package zoom

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Credentials struct {
	AccountID    string
	ClientID     string
	ClientSecret string
}

type Client struct {
	hc    *http.Client
	creds Credentials

	// Timezone is sent in the meeting-create body (meeting start times are
	// interpreted in this zone by Zoom).
	Timezone string

	// Overridable in tests.
	AuthBase string
	APIBase  string
}

func New(creds Credentials, timezone string) *Client {
	return &Client{
		hc:       &http.Client{Timeout: 10 * time.Second},
		creds:    creds,
		Timezone: timezone,
		AuthBase: "https://zoom.us",
		APIBase:  "https://api.zoom.us",
	}
}

// IssueToken exchanges the account credentials for a short-lived access
// token. Tokens are not cached; callers request a fresh one per meeting.
func (c *Client) IssueToken(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/oauth/token?grant_type=account_credentials&account_id=%s", c.AuthBase, c.creds.AccountID)
	basic := base64.StdEncoding.EncodeToString([]byte(c.creds.ClientID + ":" + c.creds.ClientSecret))

	status, body, err := c.do(ctx, http.MethodPost, u, "", "Basic "+basic, nil)
	if err != nil {
		return "", fmt.Errorf("zoom: issue token: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("zoom: issue token failed (status=%d)", status)
	}

	var res struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("zoom: issue token: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("zoom: issue token: empty access_token")
	}
	return res.AccessToken, nil
}

type meetingRequest struct {
	Topic     string          `json:"topic"`
	Type      int             `json:"type"`
	StartTime string          `json:"start_time"`
	Timezone  string          `json:"timezone"`
	Settings  meetingSettings `json:"settings"`
}

type meetingSettings struct {
	WaitingRoom    bool `json:"waiting_room"`
	JoinBeforeHost bool `json:"join_before_host"`
	MuteUponEntry  bool `json:"mute_upon_entry"`
}

// CreateMeeting schedules a meeting starting at the given local time and
// returns the join URL. Any non-2xx response aborts the whole attempt; there
// are no retries here.
func (c *Client) CreateMeeting(ctx context.Context, token, start string) (string, error) {
	req := meetingRequest{
		Topic:     "people meeting",
		Type:      2,
		StartTime: start,
		Timezone:  c.Timezone,
		Settings: meetingSettings{
			WaitingRoom:    false,
			JoinBeforeHost: true,
			MuteUponEntry:  true,
		},
	}
	jb, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("zoom: create meeting: %w", err)
	}

	status, body, err := c.do(ctx, http.MethodPost, c.APIBase+"/v2/users/me/meetings", "application/json", "Bearer "+token, jb)
	if err != nil {
		return "", fmt.Errorf("zoom: create meeting: %w", err)
	}
	if status >= 300 {
		return "", fmt.Errorf("zoom: create meeting failed (status=%d)", status)
	}

	var res struct {
		JoinURL string `json:"join_url"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("zoom: create meeting: %w", err)
	}
	if res.JoinURL == "" {
		return "", fmt.Errorf("zoom: create meeting: empty join_url")
	}
	return res.JoinURL, nil
}

func (c *Client) do(ctx context.Context, method, rawURL, contentType, authorization string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", authorization)

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
