package digitalocean

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/Sh00ty/cloud-fleet/internal/cloud"
	"github.com/Sh00ty/cloud-fleet/internal/models"
)

const (
	defaultBaseURL = "https://api.digitalocean.com"
	listPageSize   = 200
)

// ErrTransient marks failures worth seeing again on the next
// convergence pass (rate limits, 5xx, network). Everything else is
// permanent until an operator intervenes.
var ErrTransient = errors.New("transient provider error")

type Config struct {
	Token       string
	BaseURL     string
	CallTimeout time.Duration
}

type Client struct {
	httpClient  *http.Client
	token       string
	baseURL     string
	callTimeout time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{},
		token:       cfg.Token,
		baseURL:     cfg.BaseURL,
		callTimeout: cfg.CallTimeout,
	}
}

// List returns every droplet carrying the tag, walking all pages.
// Individual page fetches are retried: the listing seeds the registry
// at bootstrap and a lost page there means a wrong fleet view.
func (c *Client) List(ctx context.Context, tag string) ([]cloud.Instance, error) {
	result := make([]cloud.Instance, 0, listPageSize)
	for page := 1; ; page++ {
		var resp dropletListResponse
		err := retry.Do(
			func() error {
				path := fmt.Sprintf("/v2/droplets?tag_name=%s&page=%d&per_page=%d", tag, page, listPageSize)
				return c.do(ctx, http.MethodGet, path, nil, &resp)
			},
			retry.Attempts(3),
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool { return errors.Is(err, ErrTransient) }),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to list droplets by tag %s: %w", tag, err)
		}
		for _, d := range resp.Droplets {
			result = append(result, d.toInstance())
		}
		if len(resp.Droplets) < listPageSize {
			return result, nil
		}
	}
}

func (c *Client) Get(ctx context.Context, id models.NodeID) (cloud.Instance, error) {
	var resp dropletGetResponse
	err := c.do(ctx, http.MethodGet, "/v2/droplets/"+id.String(), nil, &resp)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("failed to get droplet %s: %w", id, err)
	}
	return resp.Droplet.toInstance(), nil
}

func (c *Client) Create(ctx context.Context, tmpl models.ProvisioningTemplate) (models.NodeID, error) {
	var resp dropletGetResponse
	err := c.do(ctx, http.MethodPost, "/v2/droplets", createRequest(tmpl), &resp)
	if err != nil {
		return "", fmt.Errorf("failed to create droplet %s: %w", tmpl.Name, err)
	}
	return resp.Droplet.ID.toNodeID(), nil
}

// Destroy is idempotent for the caller: a droplet that is already gone
// counts as destroyed.
func (c *Client) Destroy(ctx context.Context, id models.NodeID) error {
	err := c.do(ctx, http.MethodDelete, "/v2/droplets/"+id.String(), nil, nil)
	if err != nil && !errors.Is(err, errNotFound) {
		return fmt.Errorf("failed to destroy droplet %s: %w", id, err)
	}
	return nil
}

func (c *Client) AssignFloatingAddress(ctx context.Context, address string, id models.NodeID) error {
	dropletID, err := strconv.ParseInt(id.String(), 10, 64)
	if err != nil {
		return fmt.Errorf("bad droplet id %s for floating ip assign: %w", id, err)
	}
	body := assignRequest{Type: "assign", DropletID: dropletID}
	err = c.do(ctx, http.MethodPost, "/v2/floating_ips/"+address+"/actions", body, nil)
	if err != nil {
		return fmt.Errorf("failed to assign floating ip %s to %s: %w", address, id, err)
	}
	return nil
}

var errNotFound = errors.New("not found")

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider rejected request with status %d: %s", resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
