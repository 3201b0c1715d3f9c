package search

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledClientIsNoop(t *testing.T) {
	client, err := NewElasticClient(config.ElasticConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, client)

	require.NoError(t, client.IndexEvent(context.Background(), &models.Event{ID: "e1"}))
	docs, err := client.SearchByName(context.Background(), "x", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestEventDocumentTallies(t *testing.T) {
	now := time.Now()
	event := &models.Event{
		ID:         "e1",
		Name:       "Friday simul",
		HostID:     "h1",
		Variants:   []models.Variant{models.VariantStandard},
		Clock:      models.Clock{LimitSeconds: 600, IncrementSeconds: 5},
		StartedAt:  &now,
		FinishedAt: &now,
		Pairings: []models.Pairing{
			{Applicant: models.Applicant{UserID: "a1"}, WinnerID: "h1"},
			{Applicant: models.Applicant{UserID: "a2"}, WinnerID: "a2"},
			{Applicant: models.Applicant{UserID: "a3"}},
		},
	}

	doc := eventDocument(event)
	assert.Equal(t, "e1", doc["id"])
	assert.Equal(t, []string{"a1", "a2", "a3"}, doc["players"])
	assert.Equal(t, 1, doc["host_wins"])
	assert.Equal(t, 1, doc["host_losses"])
	assert.Equal(t, 1, doc["host_draws"])
	assert.Equal(t, 3, doc["nb_pairings"])
	assert.Equal(t, models.PerfRapid, doc["perf_type"])
}

func TestNameQuery(t *testing.T) {
	q := nameQuery("friday", 5)
	assert.Equal(t, 5, q["size"])
	match := q["query"].(map[string]interface{})["match"].(map[string]interface{})
	name := match["name"].(map[string]interface{})
	assert.Equal(t, "friday", name["query"])
}
