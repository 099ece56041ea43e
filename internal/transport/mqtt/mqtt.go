// Package mqtt implements messaging.Messaging over an MQTT broker.
//
// Samples travel on <prefix>/<topic>. Every endpoint publishes a retained
// presence record on <prefix>/presence/<topic>/<role>/<endpoint> and clears it
// on close; endpoints count their peers by subscribing to the opposite role.
// QoS 1 stands in for reliable delivery and QoS 0 for best effort.
//
// A Conn holds at most one writer and one reader per topic, since the broker
// routes each subscription filter to a single handler per client.
package mqtt

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
)

var logger = log.WithFields(log.Fields{"pkg": "mqtt"})

const (
	pollPeriod = 5 * time.Millisecond
	// maxInFlight bounds unacknowledged QoS 1 publishes per writer.
	maxInFlight = 1024
)

// ============================================================================
// Configuration
// ============================================================================

type Options struct {
	Broker         string
	ClientID       string // hostname-based when empty
	Prefix         string // topic namespace
	BestEffort     bool
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	QueueDepth     int // per reader
	BurstSize      int // reported as InitialBurstSize
}

func (o *Options) setDefaults() {
	if o.Broker == "" {
		o.Broker = "tcp://localhost:1883"
	}
	if o.ClientID == "" {
		hostname, _ := os.Hostname()
		o.ClientID = fmt.Sprintf("%s-perftest-%d", hostname, os.Getpid())
	}
	if o.Prefix == "" {
		o.Prefix = "perftest"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 65536
	}
	if o.BurstSize <= 0 {
		o.BurstSize = 1
	}
}

func (o *Options) qos() byte {
	if o.BestEffort {
		return 0
	}
	return 1
}

// ============================================================================
// Topic names
// ============================================================================

func dataTopic(prefix string, t messaging.Topic) string {
	return prefix + "/" + string(t)
}

func presenceTopic(prefix string, t messaging.Topic, role messaging.Role, endpoint string) string {
	return fmt.Sprintf("%s/presence/%s/%s/%s", prefix, t, role, endpoint)
}

func presenceFilter(prefix string, t messaging.Topic, role messaging.Role) string {
	return fmt.Sprintf("%s/presence/%s/%s/+", prefix, t, role)
}

// endpointOf extracts the endpoint id from a presence topic.
func endpointOf(topic string) (string, bool) {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return "", false
	}
	return topic[i+1:], true
}

// ============================================================================
// Conn
// ============================================================================

// Conn implements messaging.Messaging on one MQTT client connection.
type Conn struct {
	opts   Options
	client paho.Client

	nextID atomic.Uint64

	mu      sync.Mutex
	inUse   map[string]bool
	writers []*writer
	readers []*reader
	closed  bool
}

// Connect dials the broker.
func Connect(opts Options) (*Conn, error) {
	opts.setDefaults()

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetWriteTimeout(opts.WriteTimeout).
		SetOrderMatters(true).
		SetCleanSession(true).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(30 * time.Second).
		SetMaxReconnectInterval(10 * time.Second).
		SetMessageChannelDepth(uint(opts.QueueDepth)).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.WithError(err).Warn("Connection lost")
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			logger.Info("Reconnecting...")
		})

	client := paho.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, fmt.Errorf("connection timeout for %s", opts.ClientID)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connection error for %s: %w", opts.ClientID, token.Error())
	}
	logger.WithFields(log.Fields{"broker": opts.Broker, "client": opts.ClientID}).Info("Connected")

	return &Conn{opts: opts, client: client, inUse: make(map[string]bool)}, nil
}

// claim reserves topic for role. Callers hold c.mu.
func (c *Conn) claim(topic messaging.Topic, role messaging.Role) error {
	key := string(topic) + "/" + string(role)
	if c.inUse[key] {
		return fmt.Errorf("mqtt: %s already has a %s on this connection", topic, role)
	}
	c.inUse[key] = true
	return nil
}

func (c *Conn) release(topic messaging.Topic, role messaging.Role) {
	delete(c.inUse, string(topic)+"/"+string(role))
}

func (c *Conn) endpointID(role messaging.Role) string {
	return fmt.Sprintf("%s-%s%d", c.opts.ClientID, role, c.nextID.Add(1))
}

func (c *Conn) wait(token paho.Token, what string) error {
	if !token.WaitTimeout(c.opts.WriteTimeout) {
		return fmt.Errorf("%s timeout", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// announce publishes or clears the retained presence record of an endpoint.
func (c *Conn) announce(topic messaging.Topic, role messaging.Role, endpoint string, alive bool) error {
	var payload []byte
	if alive {
		hostname, _ := os.Hostname()
		b, err := messaging.Presence{Endpoint: endpoint, Topic: topic, Role: role, Host: hostname, Alive: true}.Marshal()
		if err != nil {
			return err
		}
		payload = b
	}
	// An empty retained payload deletes the record on the broker.
	token := c.client.Publish(presenceTopic(c.opts.Prefix, topic, role, endpoint), 1, true, payload)
	return c.wait(token, "publish presence")
}

// watch counts the peers of role on topic.
func (c *Conn) watch(topic messaging.Topic, role messaging.Role, peers *messaging.PeerSet) (string, error) {
	filter := presenceFilter(c.opts.Prefix, topic, role)
	token := c.client.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		if len(m.Payload()) == 0 {
			if id, ok := endpointOf(m.Topic()); ok {
				peers.Remove(id)
			}
			return
		}
		p, err := messaging.ParsePresence(m.Payload())
		if err != nil {
			logger.WithError(err).WithField("topic", m.Topic()).Warn("Ignoring presence record")
			return
		}
		peers.Apply(p)
	})
	if err := c.wait(token, "subscribe "+filter); err != nil {
		return "", err
	}
	return filter, nil
}

func (c *Conn) unsubscribe(filters ...string) {
	token := c.client.Unsubscribe(filters...)
	if err := c.wait(token, "unsubscribe"); err != nil {
		logger.WithError(err).Warn("Unsubscribe failed")
	}
}

func (c *Conn) CreateWriter(topic messaging.Topic) (messaging.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}
	if err := c.claim(topic, messaging.RoleWriter); err != nil {
		return nil, err
	}

	w := &writer{
		PingRendezvous: messaging.NewPingRendezvous(),
		conn:           c,
		topic:          topic,
		endpoint:       c.endpointID(messaging.RoleWriter),
		peers:          messaging.NewPeerSet(0),
	}
	filter, err := c.watch(topic, messaging.RoleReader, w.peers)
	if err != nil {
		c.release(topic, messaging.RoleWriter)
		return nil, err
	}
	w.watchFilter = filter
	if err := c.announce(topic, messaging.RoleWriter, w.endpoint, true); err != nil {
		c.unsubscribe(filter)
		c.release(topic, messaging.RoleWriter)
		return nil, err
	}

	c.writers = append(c.writers, w)
	logger.WithFields(log.Fields{"topic": topic, "endpoint": w.endpoint}).Debug("Writer created")
	return w, nil
}

func (c *Conn) CreateReader(topic messaging.Topic, cb messaging.Callback) (messaging.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}
	if err := c.claim(topic, messaging.RoleReader); err != nil {
		return nil, err
	}

	r := &reader{
		conn:     c,
		topic:    topic,
		endpoint: c.endpointID(messaging.RoleReader),
		peers:    messaging.NewPeerSet(0),
		inbox:    messaging.NewInbox(c.opts.QueueDepth, c.opts.BestEffort, cb),
	}

	// Subscribe to data before announcing, so a writer that sees this reader
	// can no longer miss it.
	r.dataFilter = dataTopic(c.opts.Prefix, topic)
	token := c.client.Subscribe(r.dataFilter, c.opts.qos(), func(_ paho.Client, m paho.Message) {
		r.inbox.Deliver(m.Payload())
	})
	fail := func(err error, filters ...string) (messaging.Reader, error) {
		if len(filters) > 0 {
			c.unsubscribe(filters...)
		}
		r.inbox.Close()
		c.release(topic, messaging.RoleReader)
		return nil, err
	}
	if err := c.wait(token, "subscribe "+r.dataFilter); err != nil {
		return fail(err)
	}
	filter, err := c.watch(topic, messaging.RoleWriter, r.peers)
	if err != nil {
		return fail(err, r.dataFilter)
	}
	r.watchFilter = filter
	if err := c.announce(topic, messaging.RoleReader, r.endpoint, true); err != nil {
		return fail(err, r.dataFilter, filter)
	}

	c.readers = append(c.readers, r)
	logger.WithFields(log.Fields{"topic": topic, "endpoint": r.endpoint, "callback": cb != nil}).Debug("Reader created")
	return r, nil
}

func (c *Conn) InitialBurstSize() int {
	return c.opts.BurstSize
}

// Close withdraws every endpoint and disconnects.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	writers, readers := c.writers, c.readers
	c.mu.Unlock()

	for _, w := range writers {
		w.Close()
	}
	for _, r := range readers {
		r.Shutdown()
	}
	c.client.Disconnect(250)
	logger.Info("Disconnected")
	return nil
}

// ============================================================================
// Writer
// ============================================================================

type writer struct {
	*messaging.PingRendezvous
	conn        *Conn
	topic       messaging.Topic
	endpoint    string
	peers       *messaging.PeerSet
	watchFilter string

	mu      sync.Mutex
	pending []paho.Token
	closed  bool
}

func (w *writer) Send(msg *message.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return messaging.ErrClosed
	}

	qos := w.conn.opts.qos()
	token := w.conn.client.Publish(dataTopic(w.conn.opts.Prefix, w.topic), qos, false, message.Marshal(msg))
	if qos == 0 {
		return nil
	}
	w.pending = append(w.pending, token)
	if len(w.pending) >= maxInFlight {
		return w.flushLocked()
	}
	return nil
}

// Flush waits for the broker to acknowledge every QoS 1 publish.
func (w *writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *writer) flushLocked() error {
	var first error
	for _, token := range w.pending {
		if err := w.conn.wait(token, "publish"); err != nil && first == nil {
			first = err
		}
	}
	w.pending = w.pending[:0]
	return first
}

func (w *writer) WaitForReaders(ctx context.Context, n int) error {
	return messaging.WaitUntil(ctx, pollPeriod, func() bool {
		return w.peers.Count() >= n
	})
}

func (w *writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.flushLocked()
	w.mu.Unlock()

	if aerr := w.conn.announce(w.topic, messaging.RoleWriter, w.endpoint, false); aerr != nil {
		logger.WithError(aerr).Warn("Clearing writer presence failed")
	}
	w.conn.unsubscribe(w.watchFilter)
	return err
}

// ============================================================================
// Reader
// ============================================================================

type reader struct {
	conn        *Conn
	topic       messaging.Topic
	endpoint    string
	peers       *messaging.PeerSet
	inbox       *messaging.Inbox
	dataFilter  string
	watchFilter string

	closeOnce sync.Once
}

func (r *reader) WaitForWriters(ctx context.Context, n int) error {
	return messaging.WaitUntil(ctx, pollPeriod, func() bool {
		return r.peers.Count() >= n
	})
}

func (r *reader) ReceiveMessage(ctx context.Context) (*message.Message, error) {
	return r.inbox.Receive(ctx)
}

func (r *reader) Shutdown() error {
	r.closeOnce.Do(func() {
		r.conn.unsubscribe(r.dataFilter, r.watchFilter)
		if err := r.conn.announce(r.topic, messaging.RoleReader, r.endpoint, false); err != nil {
			logger.WithError(err).Warn("Clearing reader presence failed")
		}
	})
	r.inbox.Close()
	return nil
}
