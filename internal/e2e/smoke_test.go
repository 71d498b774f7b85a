//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/nidhogg/crystalline/internal/client"
	"github.com/nidhogg/crystalline/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("CRYSTAL_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:3210"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// uniqueOwner keeps runs against a long-lived server apart.
func uniqueOwner(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestSmokeCrystallizeAndRecall(t *testing.T) {
	ctx := context.Background()
	c := client.New(baseURL)
	owner := uniqueOwner("smoke")

	res, err := c.Submit(ctx, owner, memory.ExperienceRecord{
		Type:       "learning",
		Emotions:   map[string]float64{"curiosity": 0.8, "satisfaction": 0.9},
		Insights:   []string{"Memory should be intrinsic", "X is Y"},
		Relational: map[string]string{"peer": "insight"},
	})
	require.NoError(t, err)
	require.True(t, res.CreatedCrystal)

	views, err := c.Recall(ctx, owner, "memory architecture", 5)
	require.NoError(t, err)
	require.NotEmpty(t, views)
	assert.Equal(t, res.CrystalID, views[0].ID)

	state, err := c.State(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 1, state.CrystalCount)
}

func TestSmokeUnknownOwner(t *testing.T) {
	_, err := client.New(baseURL).State(context.Background(), uniqueOwner("ghost"))
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}
