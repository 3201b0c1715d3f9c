package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"example.com/backstage/simul/internal/models"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReceiver struct {
	mock.Mock
}

func (m *MockReceiver) ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error) {
	args := m.Called(ctx, maxMessages, options)
	msgs, _ := args.Get(0).([]*azservicebus.ReceivedMessage)
	return msgs, args.Error(1)
}

func (m *MockReceiver) CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error {
	args := m.Called(ctx, message, options)
	return args.Error(0)
}

func (m *MockReceiver) AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error {
	args := m.Called(ctx, message, options)
	return args.Error(0)
}

func (m *MockReceiver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockHandler struct {
	mock.Mock
}

func (m *MockHandler) FinishGame(ctx context.Context, eventID, gameID string, status models.GameStatus, winnerID string) error {
	args := m.Called(ctx, eventID, gameID, status, winnerID)
	return args.Error(0)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendMessage(ctx context.Context, message *azservicebus.Message, options *azservicebus.SendMessageOptions) error {
	return m.Called(ctx, message, options).Error(0)
}

func (m *MockSender) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func received(t *testing.T, id, eventType string, data interface{}) *azservicebus.ReceivedMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(AzureBusMessage{EventType: eventType, Data: raw})
	require.NoError(t, err)
	return &azservicebus.ReceivedMessage{MessageID: id, Body: body}
}

func runOnce(t *testing.T, receiver *MockReceiver, handler *MockHandler, msgs []*azservicebus.ReceivedMessage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiver.On("ReceiveMessages", mock.Anything, 10, mock.Anything).Return(msgs, nil).Once()
	receiver.On("ReceiveMessages", mock.Anything, 10, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	consumer := NewConsumerFromReceiver(receiver, handler)
	require.NoError(t, consumer.Run(ctx))
}

func TestConsumerCompletesHandledMessages(t *testing.T) {
	receiver := new(MockReceiver)
	handler := new(MockHandler)

	msg := received(t, "m1", GameFinishedType, GameFinished{EventID: "e1", GameID: "g1", Status: models.GameMate, WinnerID: "h1"})
	handler.On("FinishGame", mock.Anything, "e1", "g1", models.GameMate, "h1").Return(nil).Once()
	receiver.On("CompleteMessage", mock.Anything, msg, mock.Anything).Return(nil).Once()

	runOnce(t, receiver, handler, []*azservicebus.ReceivedMessage{msg})

	handler.AssertExpectations(t)
	receiver.AssertExpectations(t)
}

func TestConsumerAbandonsOnHandlerFailure(t *testing.T) {
	receiver := new(MockReceiver)
	handler := new(MockHandler)

	msg := received(t, "m1", GameFinishedType, GameFinished{EventID: "e1", GameID: "g1", Status: models.GameResign})
	handler.On("FinishGame", mock.Anything, "e1", "g1", models.GameResign, "").Return(errors.New("db down")).Once()
	receiver.On("AbandonMessage", mock.Anything, msg, mock.Anything).Return(nil).Once()

	runOnce(t, receiver, handler, []*azservicebus.ReceivedMessage{msg})

	handler.AssertExpectations(t)
	receiver.AssertExpectations(t)
	receiver.AssertNotCalled(t, "CompleteMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestConsumerDropsInvalidMessages(t *testing.T) {
	receiver := new(MockReceiver)
	handler := new(MockHandler)

	missingGame := received(t, "m1", GameFinishedType, GameFinished{EventID: "e1", Status: models.GameMate})
	notTerminal := received(t, "m2", GameFinishedType, GameFinished{EventID: "e1", GameID: "g1", Status: models.GameStarted})
	foreign := received(t, "m3", "SomethingElse", map[string]string{"x": "y"})
	receiver.On("CompleteMessage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Times(3)

	runOnce(t, receiver, handler, []*azservicebus.ReceivedMessage{missingGame, notTerminal, foreign})

	handler.AssertNotCalled(t, "FinishGame", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	receiver.AssertExpectations(t)
}

func TestPublisherSendsDomainEvent(t *testing.T) {
	sender := new(MockSender)
	publisher := NewPublisherFromSender(sender, "simul-events")

	sender.On("SendMessage", mock.Anything, mock.MatchedBy(func(m *azservicebus.Message) bool {
		var ev DomainEvent
		if err := json.Unmarshal(m.Body, &ev); err != nil {
			return false
		}
		return ev.EventType == SimulStarted &&
			ev.EventID == "e1" &&
			*m.Subject == SimulStarted &&
			m.ApplicationProperties["source"] == "simul"
	}), mock.Anything).Return(nil).Once()

	err := publisher.Publish(context.Background(), DomainEvent{EventType: SimulStarted, EventID: "e1", HostID: "h1"})
	require.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestPublisherWrapsSendFailure(t *testing.T) {
	sender := new(MockSender)
	publisher := NewPublisherFromSender(sender, "simul-events")
	sender.On("SendMessage", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("boom"))

	err := publisher.Publish(context.Background(), DomainEvent{EventType: SimulCreated, EventID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SimulCreated")
}
