// Package nats implements messaging.Messaging over core NATS.
//
// Samples travel on <prefix>.<topic>. Endpoints heartbeat a presence record on
// <prefix>.presence.<topic>.<role>; a peer counts while its last heartbeat is
// younger than PeerTTL. Core NATS does not retransmit, so every run over this
// transport behaves as best effort.
package nats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	natsio "github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/llnhnv/perftest-bench/internal/message"
	"github.com/llnhnv/perftest-bench/internal/messaging"
)

var logger = log.WithFields(log.Fields{"pkg": "nats"})

const pollPeriod = 5 * time.Millisecond

// ============================================================================
// Configuration
// ============================================================================

type Options struct {
	URL             string
	Name            string // connection name shown by the server
	User            string
	Password        string
	Prefix          string // subject namespace
	HeartbeatPeriod time.Duration
	PeerTTL         time.Duration
	FlushTimeout    time.Duration
	PendingLimit    int // messages buffered per subscription, <= 0 is unlimited
	BurstSize       int // reported as InitialBurstSize
}

func (o *Options) setDefaults() {
	if o.URL == "" {
		o.URL = natsio.DefaultURL
	}
	if o.Name == "" {
		hostname, _ := os.Hostname()
		o.Name = fmt.Sprintf("%s-perftest-%d", hostname, os.Getpid())
	}
	if o.Prefix == "" {
		o.Prefix = "perftest"
	}
	if o.HeartbeatPeriod <= 0 {
		o.HeartbeatPeriod = 250 * time.Millisecond
	}
	if o.PeerTTL <= 0 {
		o.PeerTTL = 2 * time.Second
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 10 * time.Second
	}
	if o.BurstSize <= 0 {
		o.BurstSize = 1
	}
}

func dataSubject(prefix string, t messaging.Topic) string {
	return prefix + "." + string(t)
}

func presenceSubject(prefix string, t messaging.Topic, role messaging.Role) string {
	return fmt.Sprintf("%s.presence.%s.%s", prefix, t, role)
}

// receiveErr maps subscription errors after shutdown to messaging.ErrClosed.
func receiveErr(err error) error {
	switch {
	case errors.Is(err, natsio.ErrBadSubscription),
		errors.Is(err, natsio.ErrConnectionClosed),
		errors.Is(err, natsio.ErrConnectionDraining):
		return messaging.ErrClosed
	default:
		return err
	}
}

// ============================================================================
// Conn
// ============================================================================

// Conn implements messaging.Messaging on one NATS connection.
type Conn struct {
	opts Options
	nc   *natsio.Conn

	nextID atomic.Uint64

	mu      sync.Mutex
	writers []*writer
	readers []*reader
	closed  bool
}

// Connect dials the server.
func Connect(opts Options) (*Conn, error) {
	opts.setDefaults()

	natsOpts := []natsio.Option{
		natsio.Name(opts.Name),
		natsio.ReconnectWait(time.Second),
		natsio.MaxReconnects(-1),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("Disconnected")
			}
		}),
		natsio.ReconnectHandler(func(nc *natsio.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("Reconnected")
		}),
		natsio.ErrorHandler(func(_ *natsio.Conn, s *natsio.Subscription, err error) {
			l := logger.WithError(err)
			if s != nil {
				l = l.WithField("subject", s.Subject)
			}
			l.Warn("Async error")
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, natsio.UserInfo(opts.User, opts.Password))
	}

	nc, err := natsio.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.WithFields(log.Fields{"url": opts.URL, "name": opts.Name}).Info("Connected")
	return &Conn{opts: opts, nc: nc}, nil
}

func (c *Conn) endpointID(role messaging.Role) string {
	return fmt.Sprintf("%s-%s%d", c.opts.Name, role, c.nextID.Add(1))
}

func (c *Conn) CreateWriter(topic messaging.Topic) (messaging.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}

	w := &writer{
		PingRendezvous: messaging.NewPingRendezvous(),
		conn:           c,
		subject:        dataSubject(c.opts.Prefix, topic),
		presence:       c.newPresence(topic, messaging.RoleWriter),
	}
	if err := w.presence.start(); err != nil {
		return nil, err
	}
	c.writers = append(c.writers, w)
	logger.WithFields(log.Fields{"topic": topic, "endpoint": w.presence.endpoint}).Debug("Writer created")
	return w, nil
}

func (c *Conn) CreateReader(topic messaging.Topic, cb messaging.Callback) (messaging.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, messaging.ErrClosed
	}

	r := &reader{
		conn:     c,
		presence: c.newPresence(topic, messaging.RoleReader),
	}
	subject := dataSubject(c.opts.Prefix, topic)

	var err error
	if cb != nil {
		r.sub, err = c.nc.Subscribe(subject, func(m *natsio.Msg) {
			msg, err := message.Unmarshal(m.Data)
			if err != nil {
				logger.WithError(err).Warn("Dropping malformed sample")
				return
			}
			cb.OnMessage(msg)
		})
	} else {
		r.sub, err = c.nc.SubscribeSync(subject)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	limit := c.opts.PendingLimit
	if limit <= 0 {
		limit = -1
	}
	if err := r.sub.SetPendingLimits(limit, -1); err != nil {
		logger.WithError(err).Warn("Setting pending limits failed")
	}
	// The subscription must reach the server before peers can see this reader.
	if err := c.nc.FlushTimeout(c.opts.FlushTimeout); err != nil {
		r.sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription %s: %w", subject, err)
	}
	if err := r.presence.start(); err != nil {
		r.sub.Unsubscribe()
		return nil, err
	}

	c.readers = append(c.readers, r)
	logger.WithFields(log.Fields{"topic": topic, "endpoint": r.presence.endpoint, "callback": cb != nil}).Debug("Reader created")
	return r, nil
}

func (c *Conn) InitialBurstSize() int {
	return c.opts.BurstSize
}

// Close withdraws every endpoint, flushes and closes the connection.
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
	if err := c.nc.FlushTimeout(c.opts.FlushTimeout); err != nil {
		logger.WithError(err).Warn("Final flush failed")
	}
	c.nc.Close()
	logger.Info("Disconnected")
	return nil
}

// ============================================================================
// Presence
// ============================================================================

// presence heartbeats one endpoint and tracks the peers of the opposite role.
type presence struct {
	conn     *Conn
	topic    messaging.Topic
	role     messaging.Role
	endpoint string
	peers    *messaging.PeerSet

	watch *natsio.Subscription
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (c *Conn) newPresence(topic messaging.Topic, role messaging.Role) *presence {
	return &presence{
		conn:     c,
		topic:    topic,
		role:     role,
		endpoint: c.endpointID(role),
		peers:    messaging.NewPeerSet(c.opts.PeerTTL),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (p *presence) record(alive bool) messaging.Presence {
	hostname, _ := os.Hostname()
	return messaging.Presence{Endpoint: p.endpoint, Topic: p.topic, Role: p.role, Host: hostname, Alive: alive}
}

func (p *presence) start() error {
	opts := &p.conn.opts
	subject := presenceSubject(opts.Prefix, p.topic, p.role.Peer())
	sub, err := p.conn.nc.Subscribe(subject, func(m *natsio.Msg) {
		rec, err := messaging.ParsePresence(m.Data)
		if err != nil {
			logger.WithError(err).WithField("subject", m.Subject).Warn("Ignoring presence record")
			return
		}
		p.peers.Apply(rec)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.watch = sub

	alive, err := p.record(true).Marshal()
	if err != nil {
		sub.Unsubscribe()
		return err
	}
	go p.heartbeat(alive)
	return nil
}

func (p *presence) heartbeat(alive []byte) {
	defer close(p.done)
	subject := presenceSubject(p.conn.opts.Prefix, p.topic, p.role)
	ticker := time.NewTicker(p.conn.opts.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		if err := p.conn.nc.Publish(subject, alive); err != nil {
			logger.WithError(err).Debug("Heartbeat failed")
		}
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
	}
}

// close stops the heartbeat and tells peers the endpoint is gone.
func (p *presence) close() {
	p.once.Do(func() {
		close(p.stop)
		<-p.done
		if p.watch != nil {
			p.watch.Unsubscribe()
		}
		if gone, err := p.record(false).Marshal(); err == nil {
			subject := presenceSubject(p.conn.opts.Prefix, p.topic, p.role)
			if err := p.conn.nc.Publish(subject, gone); err != nil {
				logger.WithError(err).Debug("Withdrawing presence failed")
			}
		}
	})
}

func (p *presence) waitFor(ctx context.Context, n int) error {
	return messaging.WaitUntil(ctx, pollPeriod, func() bool {
		return p.peers.Count() >= n
	})
}

// ============================================================================
// Writer
// ============================================================================

type writer struct {
	*messaging.PingRendezvous
	conn     *Conn
	subject  string
	presence *presence
	closed   atomic.Bool
}

func (w *writer) Send(msg *message.Message) error {
	if w.closed.Load() {
		return messaging.ErrClosed
	}
	if err := w.conn.nc.Publish(w.subject, message.Marshal(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", w.subject, err)
	}
	return nil
}

// Flush round-trips to the server so every buffered publish has left.
func (w *writer) Flush() error {
	if w.closed.Load() {
		return messaging.ErrClosed
	}
	return w.conn.nc.FlushTimeout(w.conn.opts.FlushTimeout)
}

func (w *writer) WaitForReaders(ctx context.Context, n int) error {
	return w.presence.waitFor(ctx, n)
}

func (w *writer) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.presence.close()
	return nil
}

// ============================================================================
// Reader
// ============================================================================

type reader struct {
	conn     *Conn
	sub      *natsio.Subscription
	presence *presence
	closed   atomic.Bool
}

func (r *reader) WaitForWriters(ctx context.Context, n int) error {
	return r.presence.waitFor(ctx, n)
}

func (r *reader) ReceiveMessage(ctx context.Context) (*message.Message, error) {
	for {
		if r.closed.Load() {
			return nil, messaging.ErrClosed
		}
		m, err := r.sub.NextMsgWithContext(ctx)
		if err != nil {
			if r.closed.Load() {
				return nil, messaging.ErrClosed
			}
			return nil, receiveErr(err)
		}
		msg, err := message.Unmarshal(m.Data)
		if err != nil {
			logger.WithError(err).Warn("Dropping malformed sample")
			continue
		}
		return msg, nil
	}
}

func (r *reader) Shutdown() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.presence.close()
	if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, natsio.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %s: %w", r.sub.Subject, err)
	}
	return nil
}
