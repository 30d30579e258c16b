package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kmorano/chatrelay/internal/types"
)

// AuthSession mirrors the login response. ExpiresAt feeds the session's
// token-expiry check.
type AuthSession struct {
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
	User      types.User `json:"user"`
}

// RestClient is the out-of-band HTTP surface: authentication, channel
// listing, and message paging. It satisfies History.
type RestClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewRestClient(baseURL string) *RestClient {
	return &RestClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken installs the bearer token used on subsequent requests.
func (c *RestClient) SetToken(token string) {
	c.token = token
}

func (c *RestClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s %s: %s", method, path, apiErr.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Login authenticates and installs the returned token on the client.
func (c *RestClient) Login(ctx context.Context, email, password string) (AuthSession, error) {
	var session AuthSession
	err := c.do(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &session)
	if err != nil {
		return AuthSession{}, err
	}

	c.token = session.Token
	return session, nil
}

func (c *RestClient) Channels(ctx context.Context) ([]types.Channel, error) {
	var channels []types.Channel
	err := c.do(ctx, http.MethodGet, "/api/channels", nil, &channels)
	return channels, err
}

func (c *RestClient) GetChannel(ctx context.Context, channelId string) (types.Channel, error) {
	var channel types.Channel
	err := c.do(ctx, http.MethodGet, "/api/channels/"+url.PathEscape(channelId), nil, &channel)
	return channel, err
}

// MessagesAfter pages messages with seq greater than afterSeq, oldest first.
func (c *RestClient) MessagesAfter(ctx context.Context, channelId string, afterSeq, limit int) ([]types.Message, error) {
	q := url.Values{}
	q.Set("channel_id", channelId)
	if afterSeq > 0 {
		q.Set("after", strconv.Itoa(afterSeq))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var messages []types.Message
	err := c.do(ctx, http.MethodGet, "/api/messages?"+q.Encode(), nil, &messages)
	return messages, err
}
