// Package socket pushes notifications to the websocket tier through Redis
// pub/sub, and reads the presence keys that tier maintains.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/simul/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ListChannel carries "the event list changed" signals
const ListChannel = "simul:list"

// HostsChannel carries "the set of current hosts changed" signals between
// the api and worker processes
const HostsChannel = "simul:hosts"

// Message is the envelope published on every channel
type Message struct {
	Type string      `json:"t"`
	Data interface{} `json:"d,omitempty"`
}

// GameStartedData is the payload of a gameStarted message
type GameStartedData struct {
	EventID string `json:"event_id"`
	GameID  string `json:"game_id"`
	WhiteID string `json:"white_id"`
	BlackID string `json:"black_id"`
}

// RedisGateway publishes socket notifications over Redis
type RedisGateway struct {
	client      *redis.Client
	presenceTTL time.Duration
}

// NewRedisGateway creates a gateway over client
func NewRedisGateway(client *redis.Client, presenceTTL time.Duration) *RedisGateway {
	if presenceTTL <= 0 {
		presenceTTL = 30 * time.Second
	}
	return &RedisGateway{client: client, presenceTTL: presenceTTL}
}

// EventChannel is the channel of one event's room
func EventChannel(eventID string) string {
	return fmt.Sprintf("simul:%s", eventID)
}

// UserChannel is the channel of one user's sockets
func UserChannel(userID string) string {
	return fmt.Sprintf("user:%s", userID)
}

func presenceKey(eventID, userID string) string {
	return fmt.Sprintf("simul:presence:%s:%s", eventID, userID)
}

func (g *RedisGateway) publish(ctx context.Context, channel string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal socket message")
	}
	if err := g.client.Publish(ctx, channel, data).Err(); err != nil {
		return errors.Wrapf(err, "failed to publish to %s", channel)
	}
	return nil
}

// Reload asks every socket in the event room to reload
func (g *RedisGateway) Reload(ctx context.Context, eventID string) error {
	return g.publish(ctx, EventChannel(eventID), Message{Type: "reload"})
}

// HostIsOnline points observers of the event room at the host's game
func (g *RedisGateway) HostIsOnline(ctx context.Context, eventID, gameID string) error {
	return g.publish(ctx, EventChannel(eventID), Message{Type: "hostGame", Data: gameID})
}

// GameStarted tells the room and the challenger that a board is live
func (g *RedisGateway) GameStarted(ctx context.Context, event *models.Event, game *models.Game) error {
	msg := Message{Type: "gameStarted", Data: GameStartedData{
		EventID: event.ID,
		GameID:  game.ID,
		WhiteID: game.WhiteID,
		BlackID: game.BlackID,
	}}
	if err := g.publish(ctx, EventChannel(event.ID), msg); err != nil {
		return err
	}
	challenger := game.WhiteID
	if challenger == event.HostID {
		challenger = game.BlackID
	}
	return g.publish(ctx, UserChannel(challenger), msg)
}

// NotifyUser sends a direct message to one user
func (g *RedisGateway) NotifyUser(ctx context.Context, userID, kind string, data interface{}) error {
	return g.publish(ctx, UserChannel(userID), Message{Type: kind, Data: data})
}

// MarkPresent records that userID has a socket open in the event room
func (g *RedisGateway) MarkPresent(ctx context.Context, eventID, userID string) error {
	if err := g.client.Set(ctx, presenceKey(eventID, userID), 1, g.presenceTTL).Err(); err != nil {
		return errors.Wrap(err, "failed to record presence")
	}
	return nil
}

// FilterOnline returns the subset of userIDs present in the event room
func (g *RedisGateway) FilterOnline(ctx context.Context, eventID string, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(eventID, id)
	}
	values, err := g.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read presence")
	}
	online := make([]string, 0, len(userIDs))
	for i, v := range values {
		if v != nil {
			online = append(online, userIDs[i])
		}
	}
	return online, nil
}

// Broadcast publishes a list-changed signal; used as the debouncer's sink
func (g *RedisGateway) Broadcast(ctx context.Context) error {
	return g.publish(ctx, ListChannel, Message{Type: "reload"})
}

// HostsChanged asks every process to reload its host cache
func (g *RedisGateway) HostsChanged(ctx context.Context) error {
	return g.publish(ctx, HostsChannel, Message{Type: "hosts"})
}

// WatchHostsChanged calls onChange for every HostsChanged signal until ctx is
// done
func (g *RedisGateway) WatchHostsChanged(ctx context.Context, onChange func()) error {
	sub := g.client.Subscribe(ctx, HostsChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrapf(err, "failed to subscribe to %s", HostsChannel)
	}
	return watch(ctx, sub.Channel(), onChange)
}

func watch(ctx context.Context, messages <-chan *redis.Message, onChange func()) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-messages:
			if !ok {
				return errors.Errorf("subscription to %s closed", HostsChannel)
			}
			onChange()
		}
	}
}

// NopGateway stands in when Redis is disabled. Everyone is considered online.
type NopGateway struct{}

func (NopGateway) Reload(ctx context.Context, eventID string) error { return nil }

func (NopGateway) HostIsOnline(ctx context.Context, eventID, gameID string) error { return nil }

func (NopGateway) GameStarted(ctx context.Context, event *models.Event, game *models.Game) error {
	return nil
}

func (NopGateway) NotifyUser(ctx context.Context, userID, kind string, data interface{}) error {
	log.Debug().Str("user_id", userID).Str("kind", kind).Msg("Socket notifications disabled, dropping message")
	return nil
}

func (NopGateway) MarkPresent(ctx context.Context, eventID, userID string) error { return nil }

func (NopGateway) FilterOnline(ctx context.Context, eventID string, userIDs []string) ([]string, error) {
	return userIDs, nil
}

func (NopGateway) Broadcast(ctx context.Context) error { return nil }

func (NopGateway) HostsChanged(ctx context.Context) error { return nil }
