package bootstrap_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-message-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-message-bus/contract/bus"
	berr "github.com/next-trace/scg-message-bus/contract/errors"
	"github.com/next-trace/scg-message-bus/internal/allocation/domain"
	"github.com/next-trace/scg-message-bus/internal/allocation/readmodel"
	"github.com/next-trace/scg-message-bus/internal/bootstrap"
	"github.com/next-trace/scg-message-bus/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "allocation.db")
	cfg.Redis.Addr = miniredis.RunT(t).Addr()

	return cfg
}

func TestApp_EndToEnd(t *testing.T) {
	app, err := bootstrap.New(t.Context(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := t.Context()

	_, err = app.Handle(ctx, domain.CreateBatch{Ref: "b1", SKU: "LAMP", Qty: 10})
	require.NoError(t, err)

	res, err := app.Handle(ctx, domain.Allocate{OrderID: "o1", SKU: "LAMP", Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, []any{"b1"}, res)

	view, err := app.View.Allocations(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, []readmodel.Allocation{{SKU: "LAMP", BatchRef: "b1"}}, view)

	pub, ok := app.Publisher.(*inmemory.Publisher)
	require.True(t, ok)
	require.Len(t, pub.Events, 1)
	assert.NotEmpty(t, pub.Events[0].Headers[cbus.CorrelationHeader])

	n, err := testutil.GatherAndCount(app.Metrics, "messagebus_handler_invocations_total")
	require.NoError(t, err)
	assert.Positive(t, n)
}

func TestApp_ReusesCorrelationID(t *testing.T) {
	app, err := bootstrap.New(t.Context(), testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	ctx := cbus.WithCorrelationID(t.Context(), "req-42")

	_, err = app.Handle(ctx, domain.CreateBatch{Ref: "b1", SKU: "LAMP", Qty: 10})
	require.NoError(t, err)
	_, err = app.Handle(ctx, domain.Allocate{OrderID: "o1", SKU: "LAMP", Qty: 2})
	require.NoError(t, err)

	pub := app.Publisher.(*inmemory.Publisher)
	require.Len(t, pub.Events, 1)
	assert.Equal(t, "req-42", pub.Events[0].Headers[cbus.CorrelationHeader])
}

func TestNew_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := bootstrap.New(t.Context(), cfg, nil)
	require.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	pub, cleanup, err := bootstrap.NewPublisher(config.Broker{Kind: config.BrokerMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &inmemory.Publisher{}, pub)
	cleanup()

	pub, cleanup, err = bootstrap.NewPublisher(config.Broker{Kind: config.BrokerKafka, Brokers: []string{"127.0.0.1:1"}}, nil)
	require.NoError(t, err, "kafka connects lazily")
	require.NotNil(t, pub)
	cleanup()

	_, _, err = bootstrap.NewPublisher(config.Broker{Kind: config.BrokerNATS, URL: "nats://127.0.0.1:1"}, nil)
	require.Error(t, err)

	_, _, err = bootstrap.NewPublisher(config.Broker{Kind: "sqs"}, nil)
	require.ErrorIs(t, err, berr.ErrInvalidConfig)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := bootstrap.NewLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.HasPrefix(out, "{"), out)
	assert.Contains(t, out, `"k":"v"`)

	_, err = bootstrap.NewLogger(config.Log{Level: "loud"}, &buf)
	require.ErrorIs(t, err, berr.ErrInvalidConfig)
}
