package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"

	"github.com/Sh00ty/cloud-fleet/internal/models"
)

// DefaultMetadataURL is the provider's link-local metadata endpoint
// answering "who am I" with a plain-text instance id.
const DefaultMetadataURL = "http://169.254.169.254/metadata/v1/id"

type Provider interface {
	InstanceID(ctx context.Context) (models.NodeID, error)
}

type MetadataProvider struct {
	url        string
	httpClient *http.Client
}

func NewMetadataProvider(url string) *MetadataProvider {
	if url == "" {
		url = DefaultMetadataURL
	}
	return &MetadataProvider{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// InstanceID fetches the local instance id. Failure here is fatal for
// the caller: an agent that does not know its own identity cannot join
// the fleet.
func (p *MetadataProvider) InstanceID(ctx context.Context) (models.NodeID, error) {
	var id string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
			if err != nil {
				return fmt.Errorf("failed to build metadata request: %w", err)
			}
			resp, err := p.httpClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to query metadata: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("metadata answered with status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
			if err != nil {
				return fmt.Errorf("failed to read metadata body: %w", err)
			}
			id = strings.TrimSpace(string(body))
			if id == "" {
				return fmt.Errorf("metadata returned an empty instance id")
			}
			return nil
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err != nil {
		return "", err
	}
	return models.NodeID(id), nil
}

// Static is a fixed-id provider for tests and local runs.
type Static models.NodeID

func (s Static) InstanceID(context.Context) (models.NodeID, error) {
	return models.NodeID(s), nil
}
