package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeRouter(t *testing.T) (*FakeRouter, *FakeWorker) {
	t.Helper()
	engine := NewFakeEngine()
	w, err := engine.NewWorker(context.Background(), WorkerSettings{})
	require.NoError(t, err)
	r, err := w.CreateRouter(context.Background())
	require.NoError(t, err)
	return r.(*FakeRouter), w.(*FakeWorker)
}

func TestFakeRouter_PipeAssignsNewProducerID(t *testing.T) {
	source, _ := newFakeRouter(t)
	target, _ := newFakeRouter(t)

	piped, err := source.PipeToRouter(context.Background(), "producer-1", target)
	require.NoError(t, err)

	assert.NotEqual(t, "producer-1", piped.ID())
	assert.Equal(t, KindAudio, piped.Kind())
	assert.Equal(t, []string{piped.ID()}, target.PipedProducerIDs())
}

func TestFakeTransport_ConsumerStartsPaused(t *testing.T) {
	router, _ := newFakeRouter(t)
	transport, err := router.CreateTransport(context.Background(), "server-1")
	require.NoError(t, err)

	consumer, err := transport.Consume(context.Background(), "producer-1", fakeRtpCapabilities)
	require.NoError(t, err)

	assert.True(t, consumer.Paused())
	assert.Equal(t, "producer-1", consumer.ProducerID())

	require.NoError(t, consumer.Resume(context.Background()))
	assert.False(t, consumer.Paused())
}

func TestFakeTransport_CloseFiresHandlersOnce(t *testing.T) {
	router, _ := newFakeRouter(t)
	transport, err := router.CreateTransport(context.Background(), "server-1")
	require.NoError(t, err)

	calls := 0
	transport.OnClose(func() { calls++ })

	require.NoError(t, transport.Close())
	require.NoError(t, transport.Close())

	assert.Equal(t, 1, calls)

	_, err = transport.Produce(context.Background(), KindAudio, fakeRtpParameters, nil)
	assert.Error(t, err)
}

func TestFakeObserver_EmitDominantSpeaker(t *testing.T) {
	router, _ := newFakeRouter(t)
	obs, err := router.CreateActiveSpeakerObserver(context.Background())
	require.NoError(t, err)

	require.NoError(t, obs.AddProducer(context.Background(), "producer-1"))
	assert.True(t, obs.(*FakeObserver).Observing("producer-1"))

	var heard string
	obs.OnDominantSpeaker(func(producerID string) { heard = producerID })
	obs.(*FakeObserver).EmitDominantSpeaker("producer-1")

	assert.Equal(t, "producer-1", heard)

	require.NoError(t, obs.RemoveProducer(context.Background(), "producer-1"))
	assert.False(t, obs.(*FakeObserver).Observing("producer-1"))
}

func TestFakeWorker_DieOnlyFiresOnce(t *testing.T) {
	engine := NewFakeEngine()
	w, err := engine.NewWorker(context.Background(), WorkerSettings{})
	require.NoError(t, err)

	calls := 0
	w.OnDied(func(error) { calls++ })

	w.(*FakeWorker).Die(errors.New("crash"))
	w.(*FakeWorker).Die(errors.New("crash again"))

	assert.Equal(t, 1, calls)
	assert.True(t, w.Closed())
}
