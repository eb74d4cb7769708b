package digitalocean

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/cloud-fleet/internal/models"
)

func testClient(url string) *Client {
	return NewClient(Config{
		Token:       "test-token",
		BaseURL:     url,
		CallTimeout: 2 * time.Second,
	})
}

func dropletJSON(id int, name string, tags ...string) map[string]any {
	return map[string]any{
		"id":   id,
		"name": name,
		"region": map[string]any{
			"slug": "fra1",
		},
		"tags": tags,
		"networks": map[string]any{
			"v4": []map[string]any{
				{"ip_address": "10.0.0." + strconv.Itoa(id), "type": "private"},
				{"ip_address": "203.0.113." + strconv.Itoa(id), "type": "public"},
			},
		},
	}
}

func TestListWalksAllPages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.Equal(t, "fleet", r.URL.Query().Get("tag_name"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		droplets := make([]map[string]any, 0, listPageSize)
		if page == 1 {
			for i := 0; i < listPageSize; i++ {
				droplets = append(droplets, dropletJSON(i+1, fmt.Sprintf("node-%d", i+1), "fleet"))
			}
		} else {
			droplets = append(droplets, dropletJSON(500, "node-500", "fleet"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"droplets": droplets})
	}))
	defer server.Close()

	instances, err := testClient(server.URL).List(context.Background(), "fleet")
	require.NoError(t, err)
	assert.Len(t, instances, listPageSize+1)
	assert.Equal(t, models.NodeID("1"), instances[0].ID)
	assert.Equal(t, "fra1", instances[0].Region)
	assert.Len(t, instances[0].Addresses, 2)
}

func TestListRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"droplets": []map[string]any{dropletJSON(7, "node-7", "fleet")},
		})
	}))
	defer server.Close()

	instances, err := testClient(server.URL).List(context.Background(), "fleet")
	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/droplets/42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"droplet": dropletJSON(42, "node-42", "ENV:T", "fleet"),
		})
	}))
	defer server.Close()

	instance, err := testClient(server.URL).Get(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, models.NodeID("42"), instance.ID)
	assert.Equal(t, []string{"ENV:T", "fleet"}, instance.Tags)
}

func TestCreateSendsTheTemplate(t *testing.T) {
	var received createWire
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v2/droplets", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"droplet": dropletJSON(99, received.Name),
		})
	}))
	defer server.Close()

	id, err := testClient(server.URL).Create(context.Background(), models.ProvisioningTemplate{
		Name:              "T-ab12cd34",
		Region:            "fra1",
		Size:              "s-1vcpu-1gb",
		Image:             "ubuntu-24-04-x64",
		PrivateNetworking: true,
		Tags:              []string{"ENV:T", "fleet"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.NodeID("99"), id)
	assert.Equal(t, "T-ab12cd34", received.Name)
	assert.True(t, received.PrivateNetworking)
	assert.Equal(t, []string{"ENV:T", "fleet"}, received.Tags)
}

func TestDestroyTreatsGoneAsDestroyed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	assert.NoError(t, testClient(server.URL).Destroy(context.Background(), "42"))
}

func TestAssignFloatingAddress(t *testing.T) {
	var received assignRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/floating_ips/203.0.113.5/actions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := testClient(server.URL).AssignFloatingAddress(context.Background(), "203.0.113.5", "42")
	require.NoError(t, err)
	assert.Equal(t, "assign", received.Type)
	assert.Equal(t, int64(42), received.DropletID)
}

func TestPermanentFailureIsNotTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Create(context.Background(), models.ProvisioningTemplate{Name: "T"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTransient)
}
