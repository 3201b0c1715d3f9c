package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient indexes finished events for history search
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. A disabled config
// yields a nil client, on which every method is a no-op.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

func eventDocument(event *models.Event) map[string]interface{} {
	wins, losses, draws := 0, 0, 0
	players := make([]string, 0, len(event.Pairings))
	for _, p := range event.Pairings {
		players = append(players, p.Applicant.UserID)
		switch p.WinnerID {
		case event.HostID:
			wins++
		case "":
			draws++
		default:
			losses++
		}
	}

	return map[string]interface{}{
		"id":              event.ID,
		"name":            event.Name,
		"host_id":         event.HostID,
		"host_rating":     event.HostRating,
		"team_id":         event.TeamID,
		"variants":        event.Variants,
		"perf_type":       event.PerfType(),
		"clock_limit":     event.Clock.LimitSeconds,
		"clock_increment": event.Clock.IncrementSeconds,
		"players":         players,
		"nb_pairings":     len(event.Pairings),
		"host_wins":       wins,
		"host_losses":     losses,
		"host_draws":      draws,
		"created_at":      event.CreatedAt,
		"started_at":      event.StartedAt,
		"finished_at":     event.FinishedAt,
	}
}

// IndexEvent indexes a finished event
func (c *ElasticClient) IndexEvent(ctx context.Context, event *models.Event) error {
	if c == nil {
		return nil
	}
	log.Debug().Str("event_id", event.ID).Msg("indexing event")

	docJson, err := json.Marshal(eventDocument(event))
	if err != nil {
		return errors.Wrap(err, "failed to marshal event document")
	}

	req := esapi.IndexRequest{
		Index:      config.FormatIndex(c.config, c.config.Index),
		DocumentID: event.ID,
		Body:       bytes.NewReader(docJson),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("event_id", event.ID).Msg("event indexed successfully")
	return nil
}

func nameQuery(text string, size int) map[string]interface{} {
	match := map[string]interface{}{
		"name": map[string]interface{}{
			"query":     text,
			"fuzziness": "AUTO",
		},
	}
	return map[string]interface{}{
		"query": map[string]interface{}{"match": match},
		"size":  size,
		"sort":  []interface{}{map[string]interface{}{"finished_at": "desc"}},
	}
}

// SearchByName returns indexed events whose name matches text
func (c *ElasticClient) SearchByName(ctx context.Context, text string, size int) ([]map[string]interface{}, error) {
	if c == nil {
		return nil, nil
	}

	queryJSON, err := json.Marshal(nameQuery(text, size))
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{config.FormatIndex(c.config, c.config.Index)},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}
