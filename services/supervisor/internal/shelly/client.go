package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/recordroom/ttcontrol/services/supervisor/internal/models"
)

// Client talks to one switch channel of a Shelly Gen2 RPC endpoint.
type Client struct {
	name     string
	baseURL  string
	switchID int
	http     *http.Client
	log      *zap.Logger
}

// New builds a client for the switch at baseURL. name labels errors and logs.
func New(name, baseURL string, switchID int, client *http.Client, log *zap.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		name:     name,
		baseURL:  strings.TrimRight(baseURL, "/"),
		switchID: switchID,
		http:     client,
		log:      log.With(zap.String("component", "shelly"), zap.String("switch", name)),
	}
}

// SetPower turns the switch output on or off.
func (c *Client) SetPower(ctx context.Context, on bool) error {
	q := url.Values{}
	q.Set("id", strconv.Itoa(c.switchID))
	q.Set("on", strconv.FormatBool(on))

	resp, err := c.get(ctx, "Switch.Set", q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &models.CommunicationError{Device: c.name, Op: "Switch.Set", StatusCode: resp.StatusCode}
	}
	return nil
}

// Status fetches and decodes the switch status.
func (c *Client) Status(ctx context.Context) (models.SwitchStatus, error) {
	q := url.Values{}
	q.Set("id", strconv.Itoa(c.switchID))

	resp, err := c.get(ctx, "Switch.GetStatus", q)
	if err != nil {
		return models.SwitchStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return models.SwitchStatus{}, &models.CommunicationError{Device: c.name, Op: "Switch.GetStatus", StatusCode: resp.StatusCode}
	}

	var payload models.SwitchStatus
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.SwitchStatus{}, &models.CommunicationError{
			Device:     c.name,
			Op:         "Switch.GetStatus",
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode payload: %w", err),
		}
	}
	return payload, nil
}

// Activity classifies the switch's current draw. Failures degrade to
// ActivityError.
func (c *Client) Activity(ctx context.Context) models.SwitchActivity {
	status, err := c.Status(ctx)
	if err != nil {
		c.log.Debug("switch status read failed", zap.Error(err))
		return models.ActivityError
	}
	return status.Activity()
}

func (c *Client) get(ctx context.Context, method string, q url.Values) (*http.Response, error) {
	endpoint := c.baseURL + "/rpc/" + method + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &models.CommunicationError{Device: c.name, Op: method, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.CommunicationError{Device: c.name, Op: method, Err: err}
	}
	return resp, nil
}
