package hooks

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/kabili207/iamhere-server/pkg/registry"
	"github.com/kabili207/iamhere-server/pkg/session"
)

const transportKind = "mqtt"

// Publisher is the part of *mqtt.Server the hook needs to push frames. The
// server must be created with InlineClient enabled.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool, qos byte) error
}

// PresenceHookOptions contains configuration settings for the hook.
type PresenceHookOptions struct {
	Publisher Publisher
	Sessions  *session.Factory
	// TopicRoot prefixes the per-client topics: <root>/<client>/in carries
	// frames from the client, <root>/<client>/out carries frames to it.
	TopicRoot string
}

type clientSession struct {
	client    *mqtt.Client
	session   *session.Session
	transport *mqttTransport
}

// PresenceHook speaks the presence protocol over MQTT. Any client may connect
// at the broker level; identity is established in-band by an authenticate
// frame, exactly as on the WebSocket transport.
type PresenceHook struct {
	mqtt.HookBase
	config     *PresenceHookOptions
	sessions   map[string]*clientSession
	clientLock sync.RWMutex
}

func (h *PresenceHook) ID() string {
	return "presence-hook"
}

func (h *PresenceHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
		mqtt.OnConnect,
		mqtt.OnDisconnect,
		mqtt.OnPublish,
	}, []byte{b})
}

func (h *PresenceHook) Init(config any) error {
	h.Log.Info("initialised")
	opts, ok := config.(*PresenceHookOptions)
	if !ok || opts == nil {
		return mqtt.ErrInvalidConfigType
	}
	if opts.Publisher == nil || opts.Sessions == nil || opts.TopicRoot == "" {
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts
	h.sessions = make(map[string]*clientSession)
	return nil
}

func (h *PresenceHook) inTopic(clientID string) string {
	return fmt.Sprintf("%s/%s/in", h.config.TopicRoot, clientID)
}

func (h *PresenceHook) outTopic(clientID string) string {
	return fmt.Sprintf("%s/%s/out", h.config.TopicRoot, clientID)
}

// OnConnectAuthenticate admits every client; the bearer token travels inside
// the protocol, not in the CONNECT packet.
func (h *PresenceHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck lets a client write its own inbound topic and read its own
// outbound topic, and nothing else.
func (h *PresenceHook) OnACLCheck(cl *mqtt.Client, topic string, write bool) bool {
	if write && topic == h.inTopic(cl.ID) {
		return true
	}
	if !write && topic == h.outTopic(cl.ID) {
		return true
	}
	h.Log.Debug("client failed ACL check", "client", cl.ID, "topic", topic, "write", write)
	return false
}

func (h *PresenceHook) OnConnect(cl *mqtt.Client, pk packets.Packet) error {
	t := &mqttTransport{pub: h.config.Publisher, topic: h.outTopic(cl.ID)}
	conn := registry.NewConnection(t, transportKind, cl.Net.Remote)
	cs := &clientSession{client: cl, session: h.config.Sessions.Open(conn), transport: t}

	h.clientLock.Lock()
	prev := h.sessions[cl.ID]
	h.sessions[cl.ID] = cs
	h.clientLock.Unlock()

	if prev != nil {
		// Takeover by a client reusing the same ID.
		prev.transport.close()
		prev.session.Close()
	}
	h.Log.Info("client connected", "client", cl.ID, "conn", conn.ID, "remote", cl.Net.Remote)
	return nil
}

func (h *PresenceHook) OnDisconnect(cl *mqtt.Client, err error, expire bool) {
	h.clientLock.Lock()
	cs, ok := h.sessions[cl.ID]
	if ok && cs.client == cl {
		delete(h.sessions, cl.ID)
	} else {
		ok = false
	}
	h.clientLock.Unlock()

	if ok {
		cs.transport.close()
		cs.session.Close()
	}
	if err != nil {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire, "error", err)
	} else {
		h.Log.Info("client disconnected", "client", cl.ID, "expire", expire)
	}
}

// OnPublish feeds frames on a client's inbound topic into its session. The
// packet is not forwarded to subscribers since it may carry a bearer token.
func (h *PresenceHook) OnPublish(cl *mqtt.Client, pk packets.Packet) (packets.Packet, error) {
	if pk.TopicName != h.inTopic(cl.ID) {
		return pk, nil
	}

	h.clientLock.RLock()
	cs, ok := h.sessions[cl.ID]
	h.clientLock.RUnlock()
	if !ok {
		h.Log.Warn("publish from client without a session", "client", cl.ID)
		return pk, nil
	}

	if err := cs.session.Handle(context.Background(), pk.Payload); err != nil {
		h.Log.Debug("frame rejected", "client", cl.ID, "error", err)
	}

	pkx := pk
	pkx.Ignore = true
	return pkx, nil
}

// SessionCount reports how many MQTT clients currently hold a session.
func (h *PresenceHook) SessionCount() int {
	h.clientLock.RLock()
	defer h.clientLock.RUnlock()
	return len(h.sessions)
}

type mqttTransport struct {
	pub    Publisher
	topic  string
	closed atomic.Bool
}

func (t *mqttTransport) Send(_ context.Context, payload []byte) error {
	if t.closed.Load() {
		return registry.ErrUnreachable
	}
	if err := t.pub.Publish(t.topic, payload, false, 0); err != nil {
		return fmt.Errorf("publishing to %s: %w", t.topic, err)
	}
	return nil
}

func (t *mqttTransport) close() {
	t.closed.Store(true)
}
