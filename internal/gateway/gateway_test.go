package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/factory-core/internal/audit"
	"github.com/nerrad567/factory-core/internal/messages"
	"github.com/nerrad567/factory-core/internal/orders"
	"github.com/nerrad567/factory-core/internal/registry"
	"github.com/nerrad567/factory-core/internal/sensors"
	"github.com/nerrad567/factory-core/internal/stock"
	"github.com/nerrad567/factory-core/internal/transport"
)

const sampleRoot = "../../configs/registry"

type outcomeCall struct {
	domain, topic, outcome string
}

type recordingRecorder struct {
	calls []outcomeCall
}

func (r *recordingRecorder) WritePublishOutcome(domain, topic, outcome string, _ time.Time) {
	r.calls = append(r.calls, outcomeCall{domain, topic, outcome})
}

func newGateway(t *testing.T, opts ...Option) (*Gateway, *transport.Client, *audit.MemoryTrail) {
	t.Helper()
	reg, err := registry.Load(sampleRoot)
	require.NoError(t, err)
	role, ok := reg.MQTTClient("admin")
	require.True(t, ok)

	client := transport.New("admin", role, reg)
	require.NoError(t, client.Connect(context.Background(), transport.MockProfile()))
	t.Cleanup(func() { _ = client.Disconnect() })

	trail := audit.NewMemoryTrail(0)
	g := New(Deps{
		Domain:    "admin",
		Registry:  reg,
		Role:      role,
		Transport: client,
		Messages:  messages.NewManager("admin", reg, role, client),
		Orders:    orders.NewManager(),
		Stock:     stock.NewManager(),
		Sensors:   sensors.NewManager(client),
	}, append([]Option{WithAudit(trail)}, opts...)...)
	return g, client, trail
}

func listAll(t *testing.T, trail audit.Trail) []audit.Record {
	t.Helper()
	res, err := trail.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	return res.Records
}

func TestPublishMessage_SchemaRejection(t *testing.T) {
	g, client, trail := newGateway(t)

	err := g.PublishMessage(context.Background(), "ccu/order/request", map[string]any{})

	var cfgErr *messages.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, messages.ErrSchemaValidation)
	assert.NotEmpty(t, cfgErr.Violations)
	assert.Empty(t, client.Mock().Published(), "nothing reaches the broker")

	records := listAll(t, trail)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeRejected, records[0].Outcome)
	assert.Equal(t, "ccu/order/request", records[0].Topic)
	assert.Equal(t, 2, records[0].QoS)
	assert.NotEmpty(t, records[0].Error)
	assert.JSONEq(t, `{}`, string(records[0].Payload))
}

func TestPublishMessage_Accepted(t *testing.T) {
	rec := &recordingRecorder{}
	g, client, trail := newGateway(t, WithPublishRecorder(rec))

	payload := map[string]any{"type": "RED", "orderType": "PRODUCTION"}
	require.NoError(t, g.PublishMessage(context.Background(), "ccu/order/request", payload))

	published := client.Mock().Published()
	require.Len(t, published, 1)
	assert.Equal(t, byte(2), published[0].QoS)
	assert.JSONEq(t, `{"orderType":"PRODUCTION","type":"RED"}`, string(published[0].Payload))

	records := listAll(t, trail)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeOK, records[0].Outcome)
	assert.Empty(t, records[0].Error)
	assert.Equal(t, "admin", records[0].Domain)

	assert.Equal(t, []outcomeCall{{"admin", "ccu/order/request", audit.OutcomeOK}}, rec.calls)
}

func TestPublishMessage_OptionsOverrideSettings(t *testing.T) {
	g, client, trail := newGateway(t)

	payload := `{"type":"BLUE","orderType":"STORAGE"}`
	require.NoError(t, g.PublishMessage(context.Background(), "ccu/order/request", payload,
		transport.WithQoS(0), transport.WithRetain(true)))

	published := client.Mock().Published()
	require.Len(t, published, 1)
	assert.Equal(t, byte(0), published[0].QoS)
	assert.True(t, published[0].Retained)

	records := listAll(t, trail)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].QoS)
	assert.True(t, records[0].Retain)
	assert.JSONEq(t, payload, string(records[0].Payload))
}

func TestPublishMessage_NotPublishedTopic(t *testing.T) {
	g, _, trail := newGateway(t)

	err := g.PublishMessage(context.Background(), "ccu/order/active", []any{})
	assert.ErrorIs(t, err, messages.ErrNotPublished)
	assert.Equal(t, audit.OutcomeRejected, listAll(t, trail)[0].Outcome)
}

func TestPublishMessage_TransportFailure(t *testing.T) {
	g, client, trail := newGateway(t)
	client.Mock().PublishErr = errors.New("broker gone")

	err := g.PublishMessage(context.Background(), "ccu/order/request",
		map[string]any{"type": "WHITE", "orderType": "PRODUCTION"})
	require.Error(t, err)

	var cfgErr *messages.ConfigurationError
	assert.False(t, errors.As(err, &cfgErr))

	records := listAll(t, trail)
	require.Len(t, records, 1)
	assert.Equal(t, audit.OutcomeFailed, records[0].Outcome)
	assert.Contains(t, records[0].Error, "broker gone")
}

func TestPublishMessage_UnrepresentablePayload(t *testing.T) {
	g, _, trail := newGateway(t)

	err := g.PublishMessage(context.Background(), "ccu/order/request", "not json")
	assert.ErrorIs(t, err, messages.ErrInvalidPayload)

	records := listAll(t, trail)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Payload)
}

func TestSystemStatus(t *testing.T) {
	g, client, _ := newGateway(t)

	st := g.SystemStatus()
	assert.True(t, st.Connected)
	assert.Equal(t, "admin", st.Domain)
	assert.Equal(t, transport.StateMock, st.State)
	assert.Equal(t, len(g.Registry.TopicNames()), st.TopicsCount)
	assert.Equal(t, len(g.Registry.SchemaNames()), st.SchemasCount)
	assert.Nil(t, st.LastActivity)

	require.NoError(t, client.Inject("/j1/txt/1/i/ldr", map[string]any{"ldr": 120}))
	require.NoError(t, client.WaitIdle(context.Background()))
	assert.NotNil(t, g.SystemStatus().LastActivity)
}

func TestRegistryViews(t *testing.T) {
	g, _, _ := newGateway(t)

	topics := g.AllTopics()
	require.NotEmpty(t, topics)
	for i := 1; i < len(topics); i++ {
		assert.Less(t, topics[i-1].Name, topics[i].Name)
	}
	assert.Equal(t, "ccu_order_request", g.TopicSchemas()["ccu/order/request"])
	assert.Contains(t, g.PublishedTopics(), "ccu/order/request")
	assert.Contains(t, g.SubscribedTopics(), "ccu/order/active")
}

func TestBuffersAndClear(t *testing.T) {
	g, client, _ := newGateway(t)

	require.NoError(t, client.Inject("/j1/txt/1/i/ldr", map[string]any{"ldr": 120}))
	require.NoError(t, client.WaitIdle(context.Background()))
	assert.Len(t, g.AllMessageBuffers()["/j1/txt/1/i/ldr"], 1)

	g.ClearMessageHistory()
	assert.Empty(t, g.AllMessageBuffers()["/j1/txt/1/i/ldr"])
	assert.True(t, g.IsConnected())
	assert.Equal(t, "admin", g.ConnectionInfo().Domain)
}

func TestManagers(t *testing.T) {
	g, _, _ := newGateway(t)
	assert.NotNil(t, g.Orders())
	assert.NotNil(t, g.Stock())
	assert.NotNil(t, g.Sensors())
	assert.NotNil(t, g.AuditTrail())
}
