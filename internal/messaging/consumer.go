package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/simul/config"
	"example.com/backstage/simul/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GameFinishedType is the eventType of game completion messages
const GameFinishedType = "GameFinished"

// AzureBusMessage is the envelope of incoming messages
type AzureBusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// GameFinished reports the end of one game
type GameFinished struct {
	EventID  string            `json:"eventId" validate:"required"`
	GameID   string            `json:"gameId" validate:"required"`
	Status   models.GameStatus `json:"status" validate:"required"`
	WinnerID string            `json:"winnerId"`
}

// GameFinishedHandler applies a game completion
type GameFinishedHandler interface {
	FinishGame(ctx context.Context, eventID, gameID string, status models.GameStatus, winnerID string) error
}

// Receiver is the subset of *azservicebus.Receiver used by the consumer
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// Consumer pulls game completions off a queue in peek-lock mode. Handled
// messages are completed; failures are abandoned so they are redelivered.
type Consumer struct {
	client   *azservicebus.Client
	receiver Receiver
	handler  GameFinishedHandler
	validate *validator.Validate
	batch    int
	backoff  time.Duration
}

// NewConsumer connects a consumer to the game-finished queue
func NewConsumer(cfg config.AzureConfig, handler GameFinishedHandler) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.GameFinishedQueue, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	c := NewConsumerFromReceiver(receiver, handler)
	c.client = client
	return c, nil
}

// NewConsumerFromReceiver wraps an existing receiver
func NewConsumerFromReceiver(receiver Receiver, handler GameFinishedHandler) *Consumer {
	return &Consumer{
		receiver: receiver,
		handler:  handler,
		validate: validator.New(),
		batch:    10,
		backoff:  2 * time.Second,
	}
}

// Run receives batches until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	log.Info().Msg("Starting game-finished consumer")

	for {
		messages, err := c.receiver.ReceiveMessages(ctx, c.batch, nil)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Error().Err(err).Msg("Error receiving game-finished messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		for _, message := range messages {
			c.settle(ctx, message)
		}
	}
}

func (c *Consumer) settle(ctx context.Context, message *azservicebus.ReceivedMessage) {
	if err := c.process(ctx, message); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
		if err := c.receiver.AbandonMessage(context.Background(), message, nil); err != nil {
			log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to abandon message")
		}
		return
	}

	if err := c.receiver.CompleteMessage(context.Background(), message, nil); err != nil {
		log.Error().Err(err).Str("message_id", message.MessageID).Msg("Failed to complete message")
	}
}

func (c *Consumer) process(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg AzureBusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return errors.Wrap(err, "error unmarshalling message")
	}

	if msg.EventType != GameFinishedType {
		// Not ours; completing it keeps it from bouncing forever
		log.Warn().Str("eventType", msg.EventType).Msg("Ignoring unexpected message type")
		return nil
	}

	var cmd GameFinished
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return errors.Wrap(err, "error unmarshalling game finished payload")
	}
	if err := c.validate.Struct(cmd); err != nil {
		log.Warn().Err(err).Str("message_id", message.MessageID).Msg("Dropping invalid game finished message")
		return nil
	}
	if !cmd.Status.IsTerminal() {
		log.Warn().Str("status", string(cmd.Status)).Str("game_id", cmd.GameID).Msg("Dropping non-terminal game status")
		return nil
	}

	return c.handler.FinishGame(ctx, cmd.EventID, cmd.GameID, cmd.Status, cmd.WinnerID)
}

// Close closes the receiver and its client
func (c *Consumer) Close() error {
	if err := c.receiver.Close(context.Background()); err != nil {
		return err
	}
	if c.client != nil {
		return c.client.Close(context.Background())
	}
	return nil
}
