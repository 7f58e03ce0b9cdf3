package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tokenswipe/pkg/domain"
	"github.com/polisai/tokenswipe/pkg/logging"
)

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByUser(t *testing.T) {
	w := &recordingWriter{}
	p := newKafkaPublisher(w, time.Second, logging.Discard())

	event := SwapSigned{
		ID:              "swap-1",
		UserID:          "google_1",
		TransactionHash: "0xabc",
		Quote:           &domain.SwapQuote{Venue: "static"},
		SignedAt:        time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, p.PublishSwapSigned(context.Background(), event))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "google_1", string(msg.Key))
	assert.Equal(t, "swap.signed", string(msg.Headers[0].Value))

	var decoded SwapSigned
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "0xabc", decoded.TransactionHash)
	assert.Equal(t, "static", decoded.Quote.Venue)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisherError(t *testing.T) {
	p := newKafkaPublisher(&recordingWriter{err: errors.New("broker down")}, 0, logging.Discard())
	err := p.PublishSwapSigned(context.Background(), SwapSigned{UserID: "google_1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestNewSelectsPublisher(t *testing.T) {
	assert.IsType(t, NopPublisher{}, New(KafkaConfig{}, logging.Discard()))
	assert.IsType(t, NopPublisher{}, New(KafkaConfig{Brokers: []string{"localhost:9092"}}, logging.Discard()))

	p := New(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "swaps"}, logging.Discard())
	assert.IsType(t, &KafkaPublisher{}, p)
	assert.NoError(t, p.Close())
}
