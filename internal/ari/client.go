package ari

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is the REST half of the ARI control channel. All operations are
// scoped to the configured Stasis application and authenticated with
// basic auth. Teardown-path operations tolerate 404s: the resource being
// gone is the desired end state.
type Client struct {
	http *resty.Client
	app  string
}

// NewClient creates an ARI REST client for baseURL (without the /ari
// suffix).
func NewClient(baseURL, username, password, app string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL + "/ari").
		SetBasicAuth(username, password).
		SetTimeout(10 * time.Second)

	return &Client{http: httpClient, app: app}
}

// App returns the Stasis application name.
func (c *Client) App() string {
	return c.app
}

func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

// checkGone is check but treats 404 as success, for teardown operations.
func checkGone(resp *resty.Response, err error, op string) error {
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return nil
	}
	return check(resp, err, op)
}

// Answer answers a channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", channelID).
		Post("/channels/{id}/answer")
	return check(resp, err, "answer channel "+channelID)
}

// Hangup hangs up a channel. A channel that is already gone is fine.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", channelID).
		Delete("/channels/{id}")
	return checkGone(resp, err, "hangup channel "+channelID)
}

// CreateBridge creates a bridge of the given type spec (e.g.
// "mixing,proxy_media").
func (c *Client) CreateBridge(ctx context.Context, bridgeType string) (*Bridge, error) {
	var bridge Bridge
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("type", bridgeType).
		SetResult(&bridge).
		Post("/bridges")
	if err := check(resp, err, "create bridge"); err != nil {
		return nil, err
	}
	return &bridge, nil
}

// GetBridge fetches a bridge by id.
func (c *Client) GetBridge(ctx context.Context, bridgeID string) (*Bridge, error) {
	var bridge Bridge
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", bridgeID).
		SetResult(&bridge).
		Get("/bridges/{id}")
	if err := check(resp, err, "get bridge "+bridgeID); err != nil {
		return nil, err
	}
	return &bridge, nil
}

// DestroyBridge destroys a bridge. Already-destroyed bridges are fine.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", bridgeID).
		Delete("/bridges/{id}")
	return checkGone(resp, err, "destroy bridge "+bridgeID)
}

// AddChannel adds a channel to a bridge.
func (c *Client) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", bridgeID).
		SetQueryParam("channel", channelID).
		Post("/bridges/{id}/addChannel")
	return check(resp, err, fmt.Sprintf("add channel %s to bridge %s", channelID, bridgeID))
}

// ExternalMedia asks the PBX to originate an external media leg pointed
// at our RTP receiver and returns the new channel.
func (c *Client) ExternalMedia(ctx context.Context, params ExternalMediaParams) (*Channel, error) {
	var ch Channel
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":             params.App,
			"external_host":   params.ExternalHost,
			"format":          params.Format,
			"transport":       params.Transport,
			"encapsulation":   params.Encapsulation,
			"connection_type": params.ConnectionType,
			"direction":       params.Direction,
		}).
		SetResult(&ch).
		Post("/channels/externalMedia")
	if err := check(resp, err, "originate external media"); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ContinueInDialplan releases a channel from the Stasis application into
// the dialplan at the given context/extension/priority.
func (c *Client) ContinueInDialplan(ctx context.Context, channelID, dialplanContext, extension string, priority int) error {
	resp, err := c.http.R().SetContext(ctx).
		SetPathParam("id", channelID).
		SetQueryParams(map[string]string{
			"context":   dialplanContext,
			"extension": extension,
			"priority":  fmt.Sprintf("%d", priority),
		}).
		Post("/channels/{id}/continue")
	return check(resp, err, fmt.Sprintf("continue channel %s in %s", channelID, dialplanContext))
}
