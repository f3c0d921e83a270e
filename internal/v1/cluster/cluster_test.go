package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flylive/msab/internal/v1/media"
)

var testRtpCapabilities = json.RawMessage(`{"codecs":[]}`)

var testRtpParameters = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus"}]}`)

func newTestCluster(t *testing.T, workers, maxListeners int) (*Cluster, *media.Pool, *media.FakeEngine) {
	t.Helper()
	engine := media.NewFakeEngine()
	pool, err := media.NewPool(context.Background(), engine, workers, media.WorkerSettings{})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	c, err := New(context.Background(), "42", pool, maxListeners)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, pool, engine
}

// produceAndRegister walks the speaker path: send transport, producer,
// registration.
func produceAndRegister(t *testing.T, c *Cluster, userID string) media.Producer {
	t.Helper()
	ctx := context.Background()

	transport, err := c.CreateTransport(ctx, RoleProducer)
	require.NoError(t, err)
	require.NoError(t, c.ConnectTransport(ctx, transport.ID(), json.RawMessage(`{"role":"client"}`)))

	producer, err := c.Produce(ctx, transport.ID(), testRtpParameters, map[string]string{"userId": userID})
	require.NoError(t, err)
	require.NoError(t, c.RegisterProducer(ctx, producer))
	return producer
}

func TestCluster_ProducerTransportLivesOnSourceRouter(t *testing.T) {
	c, pool, engine := newTestCluster(t, 2, 100)

	transport, err := c.CreateTransport(context.Background(), RoleProducer)
	require.NoError(t, err)
	assert.NotEmpty(t, transport.Info().ID)

	// No distribution router yet; the only router is the source.
	assert.Equal(t, 0, c.DistributionRouterCount())
	source := engine.Workers()[0]
	assert.Equal(t, 1, pool.RouterCount(source.Pid()))
}

func TestCluster_FirstListenerAllocatesDistributionRouterOnOtherWorker(t *testing.T) {
	c, pool, engine := newTestCluster(t, 2, 100)

	_, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)

	assert.Equal(t, 1, c.DistributionRouterCount())
	workers := engine.Workers()
	assert.Equal(t, 1, pool.RouterCount(workers[0].Pid()), "source router")
	assert.Equal(t, 1, pool.RouterCount(workers[1].Pid()), "distribution router")
}

func TestCluster_SingleWorkerPoolSharesSourceWorker(t *testing.T) {
	c, pool, engine := newTestCluster(t, 1, 100)

	_, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)

	assert.Equal(t, 1, c.DistributionRouterCount())
	assert.Equal(t, 2, pool.RouterCount(engine.Workers()[0].Pid()))
}

func TestCluster_ListenerCapacitySpill(t *testing.T) {
	c, _, _ := newTestCluster(t, 3, 2)

	for i := 0; i < 2; i++ {
		_, err := c.CreateTransport(context.Background(), RoleConsumer)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.DistributionRouterCount())

	// Third listener exceeds capacity 2 and forces a second router.
	_, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)
	assert.Equal(t, 2, c.DistributionRouterCount())
}

func TestCluster_ClosedListenerTransportFreesCapacity(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 1)

	first, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// The slot freed by the closed transport is reused instead of
	// allocating another router.
	_, err = c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)
	assert.Equal(t, 1, c.DistributionRouterCount())
}

func TestCluster_ConcurrentListenersAllocateOneRouter(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CreateTransport(context.Background(), RoleConsumer)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.DistributionRouterCount())
}

func TestCluster_ProducerPipedToExistingRouters(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)

	producer := produceAndRegister(t, c, "1")

	consumer, err := c.Consume(ctx, listener.ID(), producer.ID(), testRtpCapabilities)
	require.NoError(t, err)
	assert.True(t, consumer.Paused(), "consumers start paused")
	assert.NotEqual(t, producer.ID(), consumer.ProducerID(),
		"consumer attaches to the piped producer, not the source one")
}

func TestCluster_SpillPipesExistingProducers(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	// Producer registered while no distribution router exists.
	producer := produceAndRegister(t, c, "1")

	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)

	consumer, err := c.Consume(ctx, listener.ID(), producer.ID(), testRtpCapabilities)
	require.NoError(t, err)
	assert.NotEqual(t, producer.ID(), consumer.ProducerID())
}

func TestCluster_ConsumeErrors(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	producer := produceAndRegister(t, c, "1")

	_, err := c.Consume(ctx, "no-such-transport", producer.ID(), testRtpCapabilities)
	assert.ErrorIs(t, err, ErrTransportNotFound)

	send, err := c.CreateTransport(ctx, RoleProducer)
	require.NoError(t, err)
	_, err = c.Consume(ctx, send.ID(), producer.ID(), testRtpCapabilities)
	assert.ErrorIs(t, err, ErrCannotConsume, "send transports cannot consume")

	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)
	_, err = c.Consume(ctx, listener.ID(), "no-such-producer", testRtpCapabilities)
	assert.ErrorIs(t, err, ErrCannotConsume)
}

func TestCluster_ProduceRequiresSourceTransport(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)

	_, err = c.Produce(ctx, listener.ID(), testRtpParameters, nil)
	assert.ErrorIs(t, err, ErrNotProducerTransport)

	_, err = c.Produce(ctx, "no-such-transport", testRtpParameters, nil)
	assert.ErrorIs(t, err, ErrTransportNotFound)
}

func TestCluster_ResumeConsumerGatedByActiveSet(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	producer := produceAndRegister(t, c, "1")
	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)
	consumer, err := c.Consume(ctx, listener.ID(), producer.ID(), testRtpCapabilities)
	require.NoError(t, err)

	// Detector has not fired: everyone counts as active.
	resumed, err := c.ResumeConsumer(ctx, consumer.ID())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.False(t, consumer.Paused())

	// Producer drops out of the active set.
	require.NoError(t, c.UpdateActiveSpeakers(ctx, map[string]struct{}{"someone-else": {}}))
	assert.True(t, consumer.Paused())

	resumed, err = c.ResumeConsumer(ctx, consumer.ID())
	require.NoError(t, err)
	assert.False(t, resumed, "resume is deferred while the speaker is inactive")
	assert.True(t, consumer.Paused())

	_, err = c.ResumeConsumer(ctx, "no-such-consumer")
	assert.ErrorIs(t, err, ErrConsumerNotFound)
}

func TestCluster_UpdateActiveSpeakersTransitions(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	alice := produceAndRegister(t, c, "1")
	eve := produceAndRegister(t, c, "5")

	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)
	aliceConsumer, err := c.Consume(ctx, listener.ID(), alice.ID(), testRtpCapabilities)
	require.NoError(t, err)
	eveConsumer, err := c.Consume(ctx, listener.ID(), eve.ID(), testRtpCapabilities)
	require.NoError(t, err)

	// Alice speaks first.
	require.NoError(t, c.UpdateActiveSpeakers(ctx, map[string]struct{}{alice.ID(): {}}))
	assert.False(t, aliceConsumer.Paused())
	assert.True(t, eveConsumer.Paused())
	assert.True(t, c.IsActiveSpeaker(alice.ID()))
	assert.False(t, c.IsActiveSpeaker(eve.ID()))

	// Eve displaces Alice.
	require.NoError(t, c.UpdateActiveSpeakers(ctx, map[string]struct{}{eve.ID(): {}}))
	assert.True(t, aliceConsumer.Paused())
	assert.False(t, eveConsumer.Paused())
}

func TestCluster_CloseProducerTearsDownPipesAndConsumers(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	producer := produceAndRegister(t, c, "1")
	listener, err := c.CreateTransport(ctx, RoleConsumer)
	require.NoError(t, err)
	_, err = c.Consume(ctx, listener.ID(), producer.ID(), testRtpCapabilities)
	require.NoError(t, err)

	require.NoError(t, c.CloseProducer(ctx, producer.ID()))

	_, ok := c.Producer(producer.ID())
	assert.False(t, ok)
	_, err = c.Consume(ctx, listener.ID(), producer.ID(), testRtpCapabilities)
	assert.ErrorIs(t, err, ErrCannotConsume)

	assert.ErrorIs(t, c.CloseProducer(ctx, producer.ID()), ErrProducerNotFound)
}

func TestCluster_PauseAndResumeProducer(t *testing.T) {
	c, _, _ := newTestCluster(t, 2, 100)
	ctx := context.Background()

	producer := produceAndRegister(t, c, "1")

	require.NoError(t, c.PauseProducer(ctx, producer.ID()))
	assert.True(t, producer.Paused())
	require.NoError(t, c.ResumeProducer(ctx, producer.ID()))
	assert.False(t, producer.Paused())

	assert.ErrorIs(t, c.PauseProducer(ctx, "nope"), ErrProducerNotFound)
	assert.ErrorIs(t, c.ResumeProducer(ctx, "nope"), ErrProducerNotFound)
}

func TestCluster_TouchesWorker(t *testing.T) {
	c, _, engine := newTestCluster(t, 2, 100)

	workers := engine.Workers()
	assert.True(t, c.TouchesWorker(workers[0].Pid()), "source worker")
	assert.False(t, c.TouchesWorker(workers[1].Pid()))

	_, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)
	assert.True(t, c.TouchesWorker(workers[1].Pid()), "distribution worker")
}

func TestCluster_CloseReturnsRouterCountsToPool(t *testing.T) {
	c, pool, engine := newTestCluster(t, 2, 100)

	_, err := c.CreateTransport(context.Background(), RoleConsumer)
	require.NoError(t, err)

	total := 0
	for _, w := range engine.Workers() {
		total += pool.RouterCount(w.Pid())
	}
	require.Equal(t, 2, total)

	c.Close()

	for _, w := range engine.Workers() {
		assert.Equal(t, 0, pool.RouterCount(w.Pid()))
	}

	_, err = c.CreateTransport(context.Background(), RoleProducer)
	assert.ErrorIs(t, err, ErrClusterClosed)

	// Close is idempotent.
	c.Close()
}
