// Package api is the HTTP collaborator of the gateway: it resolves gateway
// URLs and the recommended shard count. The rest of the REST surface is left
// to other packages.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/cordwire/cordwire/utils/httputil"
)

const (
	BaseEndpoint = "https://discord.com"
	APIVersion   = "10"
	APIPath      = "/api/v" + APIVersion

	Endpoint           = BaseEndpoint + APIPath + "/"
	EndpointGateway    = Endpoint + "gateway"
	EndpointGatewayBot = EndpointGateway + "/bot"
)

// UserAgent is sent with every request.
var UserAgent = "DiscordBot (https://github.com/cordwire/cordwire, v0.1.0)"

// Client is a REST client authenticated with a bot token.
type Client struct {
	*httputil.Client
	Token string

	// Endpoint is the API root. It defaults to Endpoint and is mostly
	// overridden in tests.
	Endpoint string

	urlMu  sync.Mutex
	urlStr string
}

// NewClient creates a new client. The token is used as-is, so bot tokens need
// the "Bot " prefix.
func NewClient(token string) *Client {
	c := &Client{
		Client:   httputil.NewClient(),
		Token:    token,
		Endpoint: Endpoint,
	}

	c.OnRequest = append(c.OnRequest, func(r *http.Request) error {
		if c.Token != "" {
			r.Header.Set("Authorization", c.Token)
		}
		r.Header.Set("User-Agent", UserAgent)
		return nil
	})

	return c
}

// SessionStartLimit is the identify quota of a bot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfterMs   int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// ResetAfter returns the time until the quota resets.
func (l SessionStartLimit) ResetAfter() time.Duration {
	return time.Duration(l.ResetAfterMs) * time.Millisecond
}

// BotData is the gateway URL along with the recommended shard count.
type BotData struct {
	URL        string            `json:"url"`
	Shards     int               `json:"shards"`
	StartLimit SessionStartLimit `json:"session_start_limit"`
}

// GatewayURL returns the gateway URL. The result is cached after the first
// successful call.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	c.urlMu.Lock()
	defer c.urlMu.Unlock()

	if c.urlStr != "" {
		return c.urlStr, nil
	}

	var g struct {
		URL string `json:"url"`
	}

	if err := c.RequestJSON(ctx, &g, "GET", c.Endpoint+"gateway"); err != nil {
		return "", errors.Wrap(err, "failed to get gateway URL")
	}
	if g.URL == "" {
		return "", errors.New("empty gateway URL")
	}

	c.urlStr = g.URL
	return g.URL, nil
}

// BotGateway returns the gateway URL and shard recommendation for the bot.
func (c *Client) BotGateway(ctx context.Context) (*BotData, error) {
	var d BotData
	if err := c.RequestJSON(ctx, &d, "GET", c.Endpoint+"gateway/bot"); err != nil {
		return nil, errors.Wrap(err, "failed to get bot gateway")
	}

	if d.Shards < 1 {
		d.Shards = 1
	}

	c.urlMu.Lock()
	if c.urlStr == "" {
		c.urlStr = d.URL
	}
	c.urlMu.Unlock()

	return &d, nil
}
