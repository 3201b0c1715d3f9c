package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/simul/config"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Domain event types published for timelines and feeds
const (
	SimulCreated = "SimulCreated"
	SimulJoined  = "SimulJoined"
	SimulStarted = "SimulStarted"
	SimulEnded   = "SimulEnded"
)

// DomainEvent is the payload of every published notification
type DomainEvent struct {
	EventType string    `json:"eventType"`
	EventID   string    `json:"eventId"`
	HostID    string    `json:"hostId"`
	UserID    string    `json:"userId,omitempty"`
	Name      string    `json:"name"`
	At        time.Time `json:"at"`
}

// Sender is the subset of *azservicebus.Sender used by the publisher
type Sender interface {
	SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Publisher sends domain events to a Service Bus queue
type Publisher struct {
	client *azservicebus.Client
	sender Sender
	queue  string
}

// NewPublisher connects a publisher to the domain event queue
func NewPublisher(cfg config.AzureConfig) (*Publisher, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	sender, err := client.NewSender(cfg.DomainEventQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus sender")
	}

	return &Publisher{client: client, sender: sender, queue: cfg.DomainEventQueue}, nil
}

// NewPublisherFromSender wraps an existing sender
func NewPublisherFromSender(sender Sender, queue string) *Publisher {
	return &Publisher{sender: sender, queue: queue}
}

// Publish sends one domain event
func (p *Publisher) Publish(ctx context.Context, event DomainEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal domain event")
	}

	subject := event.EventType
	msg := &azservicebus.Message{
		Body:    data,
		Subject: &subject,
		ApplicationProperties: map[string]interface{}{
			"source":    "simul",
			"eventType": event.EventType,
			"time":      time.Now().UTC().Format(time.RFC3339),
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to publish %s to %s", event.EventType, p.queue)
	}
	return nil
}

// Close closes the sender and its client
func (p *Publisher) Close() error {
	if p.sender != nil {
		if err := p.sender.Close(context.Background()); err != nil {
			return err
		}
	}
	if p.client != nil {
		return p.client.Close(context.Background())
	}
	return nil
}

// NopPublisher drops domain events; used when no Service Bus is configured
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event DomainEvent) error {
	log.Debug().Str("event_type", event.EventType).Str("event_id", event.EventID).Msg("Domain event bus disabled, dropping event")
	return nil
}
