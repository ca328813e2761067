package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/iamhere-server/pkg/auth"
	"github.com/kabili207/iamhere-server/pkg/events"
	"github.com/kabili207/iamhere-server/pkg/models"
	"github.com/kabili207/iamhere-server/pkg/registry"
	"github.com/kabili207/iamhere-server/pkg/session"
)

type published struct {
	topic   string
	payload map[string]any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if p.err != nil {
		return p.err
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, payload: m})
	return nil
}

func (p *fakePublisher) on(topic string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []map[string]any
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

type staticVerifier map[string]models.UserID

func (v staticVerifier) Verify(_ context.Context, token string) (models.UserID, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return 0, &auth.RejectedError{Reason: auth.ReasonInvalid}
}

type memEvents struct{}

func (memEvents) InsertArrival(context.Context, *models.Arrival) error { return nil }

func (memEvents) InsertLocationRequest(context.Context, *models.LocationRequest) error { return nil }

type memContacts map[models.UserID][]models.UserID

func (c memContacts) GetContacts(_ context.Context, owner models.UserID) ([]models.UserID, error) {
	return c[owner], nil
}

type hookFixture struct {
	hook     *PresenceHook
	pub      *fakePublisher
	registry *registry.Registry
}

func newHookFixture(t *testing.T) *hookFixture {
	t.Helper()
	reg := registry.New()
	router := events.NewRouter(events.Options{
		Events:   memEvents{},
		Contacts: memContacts{1: {2}},
		Registry: reg,
	})
	factory := session.NewFactory(session.Options{
		Verifier: staticVerifier{"tok-a": 1, "tok-b": 2},
		Router:   router,
		Registry: reg,
	})
	pub := &fakePublisher{}

	h := new(PresenceHook)
	h.SetOpts(slog.Default(), nil)
	require.NoError(t, h.Init(&PresenceHookOptions{
		Publisher: pub,
		Sessions:  factory,
		TopicRoot: "iamhere",
	}))
	return &hookFixture{hook: h, pub: pub, registry: reg}
}

func (f *hookFixture) connect(t *testing.T, id string) *mqtt.Client {
	t.Helper()
	cl := &mqtt.Client{ID: id}
	require.NoError(t, f.hook.OnConnect(cl, packets.Packet{}))
	return cl
}

func (f *hookFixture) send(t *testing.T, cl *mqtt.Client, frame string) packets.Packet {
	t.Helper()
	pk, err := f.hook.OnPublish(cl, packets.Packet{
		TopicName: "iamhere/" + cl.ID + "/in",
		Payload:   []byte(frame),
	})
	require.NoError(t, err)
	return pk
}

func TestPresenceHookInit(t *testing.T) {
	h := new(PresenceHook)
	h.SetOpts(slog.Default(), nil)

	assert.ErrorIs(t, h.Init(nil), mqtt.ErrInvalidConfigType)
	assert.ErrorIs(t, h.Init(&PresenceHookOptions{TopicRoot: "x"}), mqtt.ErrInvalidConfigType)
	assert.ErrorIs(t, h.Init("nope"), mqtt.ErrInvalidConfigType)
	assert.Equal(t, "presence-hook", h.ID())
	assert.True(t, h.Provides(mqtt.OnPublish))
	assert.False(t, h.Provides(mqtt.OnRetainMessage))
}

func TestPresenceHookACL(t *testing.T) {
	f := newHookFixture(t)
	cl := &mqtt.Client{ID: "c1"}

	assert.True(t, f.hook.OnConnectAuthenticate(cl, packets.Packet{}))
	assert.True(t, f.hook.OnACLCheck(cl, "iamhere/c1/in", true))
	assert.True(t, f.hook.OnACLCheck(cl, "iamhere/c1/out", false))
	assert.False(t, f.hook.OnACLCheck(cl, "iamhere/c1/in", false))
	assert.False(t, f.hook.OnACLCheck(cl, "iamhere/c1/out", true))
	assert.False(t, f.hook.OnACLCheck(cl, "iamhere/c2/in", true))
	assert.False(t, f.hook.OnACLCheck(cl, "iamhere/c2/out", false))
	assert.False(t, f.hook.OnACLCheck(cl, "iamhere/#", false))
}

func TestPresenceHookAuthenticateAndRoute(t *testing.T) {
	f := newHookFixture(t)
	alice := f.connect(t, "alice-phone")
	bob := f.connect(t, "bob-phone")

	pk := f.send(t, alice, `{"type":"authenticate","token":"tok-a"}`)
	assert.True(t, pk.Ignore)
	f.send(t, bob, `{"type":"authenticate","token":"tok-b"}`)
	assert.Equal(t, 2, f.registry.Size())

	f.send(t, alice, `{"type":"i_arrived","location":{"lat":40.0,"lng":-73.0}}`)

	got := f.pub.on("iamhere/bob-phone/out")
	require.Len(t, got, 2)
	assert.Equal(t, "authenticated", got[0]["type"])
	assert.Equal(t, "arrival_update", got[1]["type"])
	assert.EqualValues(t, 1, got[1]["from"])
	assert.Equal(t, map[string]any{"lat": 40.0, "lng": -73.0}, got[1]["location"])

	assert.Len(t, f.pub.on("iamhere/alice-phone/out"), 1, "sender only sees its own ack")
}

func TestPresenceHookIgnoresOtherTopics(t *testing.T) {
	f := newHookFixture(t)
	cl := f.connect(t, "c1")

	pk, err := f.hook.OnPublish(cl, packets.Packet{TopicName: "iamhere/c1/out", Payload: []byte("x")})
	require.NoError(t, err)
	assert.False(t, pk.Ignore)
	assert.Empty(t, f.pub.msgs)
}

func TestPresenceHookDisconnectDeregisters(t *testing.T) {
	f := newHookFixture(t)
	cl := f.connect(t, "c1")
	f.send(t, cl, `{"type":"authenticate","token":"tok-a"}`)
	require.Equal(t, 1, f.registry.Size())

	f.hook.OnDisconnect(cl, errors.New("eof"), false)
	assert.Zero(t, f.registry.Size())
	assert.Zero(t, f.hook.SessionCount())
}

func TestPresenceHookTakeover(t *testing.T) {
	f := newHookFixture(t)
	first := f.connect(t, "c1")
	f.send(t, first, `{"type":"authenticate","token":"tok-a"}`)

	second := f.connect(t, "c1")
	f.send(t, second, `{"type":"authenticate","token":"tok-a"}`)

	// The broker reports the old client's disconnect after the takeover.
	f.hook.OnDisconnect(first, nil, false)
	assert.Equal(t, 1, f.hook.SessionCount())
	conn, ok := f.registry.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "mqtt", conn.Kind)
}

func TestMQTTTransportClosed(t *testing.T) {
	pub := &fakePublisher{}
	tr := &mqttTransport{pub: pub, topic: "iamhere/c1/out"}
	require.NoError(t, tr.Send(context.Background(), []byte(`{"type":"authenticated"}`)))

	tr.close()
	assert.ErrorIs(t, tr.Send(context.Background(), []byte(`{}`)), registry.ErrUnreachable)
	assert.Len(t, pub.msgs, 1)
}

func TestMQTTTransportPublishError(t *testing.T) {
	tr := &mqttTransport{pub: &fakePublisher{err: errors.New("no inline client")}, topic: "t"}
	err := tr.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no inline client")
}
