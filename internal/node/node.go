// Package node coordinates one identity's use of the shared store: it
// sends and receives ordered direct messages, runs groups and exposes
// the username directory.
//
// A Node owns every piece of per-process state (dedup window, chain
// indices, in-flight operations, group keys). Construct one per process
// with New and release it with Close; the store is owned by the caller.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"web4msg/internal/batch"
	"web4msg/internal/chain"
	"web4msg/internal/clock"
	"web4msg/internal/config"
	"web4msg/internal/crypto"
	"web4msg/internal/debuglog"
	"web4msg/internal/dedup"
	"web4msg/internal/directory"
	"web4msg/internal/flight"
	"web4msg/internal/group"
	"web4msg/internal/lock"
	"web4msg/internal/metrics"
	"web4msg/internal/ratelimit"
	"web4msg/internal/store"
)

const (
	defaultCleanupInterval = time.Minute
	defaultMaxErrorRate    = 0.5

	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

type Options struct {
	Alias string

	DedupTTL       time.Duration
	DedupMaxSize   int
	DedupResultTTL time.Duration
	// CleanupInterval paces the background dedup sweep.
	CleanupInterval time.Duration

	MaxConcurrent int
	OpTimeout     time.Duration

	BatchSize    int
	BatchTimeout time.Duration

	RateLimit  int
	RateWindow time.Duration

	Directory directory.Options

	// MaxErrorRate is the send error rate above which Health reports
	// unhealthy.
	MaxErrorRate float64

	Clock clock.Clock
}

// OptionsFromConfig maps loaded settings onto node options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		DedupTTL:       cfg.Dedup.TTL,
		DedupMaxSize:   cfg.Dedup.MaxSize,
		DedupResultTTL: cfg.Dedup.ResultTTL,
		MaxConcurrent:  cfg.Executor.MaxConcurrent,
		OpTimeout:      cfg.Executor.Timeout,
		BatchSize:      cfg.Batch.Size,
		BatchTimeout:   cfg.Batch.Timeout,
		RateLimit:      cfg.RateLimit.Limit,
		RateWindow:     cfg.RateLimit.Window,
		Directory: directory.Options{
			PollInterval: cfg.Directory.PollInterval,
			Timeout:      cfg.Directory.Timeout,
		},
	}
}

// Message is a delivered, decrypted message.
type Message struct {
	ID        string
	From      string
	Content   string
	Timestamp int64
	// GroupID is empty for direct messages.
	GroupID string
	// Index is the chain position of an indexed direct message.
	Index    int64
	HasIndex bool
}

// Handler receives delivered messages. Handlers run on the subscription
// goroutine and should not block for long.
type Handler func(Message)

type Node struct {
	self *crypto.Keypair
	st   store.Store
	clk  clock.Clock
	log  *zap.SugaredLogger

	locks   *lock.KeyedMutex
	dedup   *dedup.Deduplicator
	flight  *flight.Executor
	queue   *batch.Queue[outgoing, string]
	chains  *chain.Sequencer
	dir     *directory.Directory
	groups  *group.Distributor
	limiter *ratelimit.Limiter
	secrets *secretCache
	metrics *metrics.Metrics
	health  *metrics.Health

	opTimeout time.Duration
	stopBG    context.CancelFunc

	mu        sync.RWMutex
	handlers  []Handler
	inbox     store.Subscription
	inboxCtx  context.Context
	groupSubs map[store.Subscription]struct{}
	closed    bool
}

// New wires a node for self over st and publishes self's identity.
func New(ctx context.Context, st store.Store, self *crypto.Keypair, opts Options) (*Node, error) {
	if st == nil || self == nil {
		return nil, errors.New("node: store and keypair are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = defaultCleanupInterval
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = flight.DefaultTimeout
	}
	if opts.MaxErrorRate <= 0 {
		opts.MaxErrorRate = defaultMaxErrorRate
	}
	locks := lock.New()
	m := metrics.New()
	dir := directory.New(st, opts.Directory)
	n := &Node{
		self:  self,
		st:    st,
		clk:   opts.Clock,
		log:   debuglog.Named("node"),
		locks: locks,
		dedup: dedup.New(dedup.Options{
			TTL:       opts.DedupTTL,
			MaxSize:   opts.DedupMaxSize,
			ResultTTL: opts.DedupResultTTL,
			Clock:     opts.Clock,
			Locks:     locks,
		}),
		flight: flight.New(flight.Options{
			MaxConcurrent: opts.MaxConcurrent,
			Timeout:       opts.OpTimeout,
			Locks:         locks,
		}),
		chains:    chain.New(),
		dir:       dir,
		groups:    group.New(st, self, dir, locks, m),
		limiter:   ratelimit.New(opts.RateLimit, opts.RateWindow, opts.Clock),
		secrets:   newSecretCache(opts.Clock),
		metrics:   m,
		health:    metrics.NewHealth(),
		opTimeout: opts.OpTimeout,
		groupSubs: make(map[store.Subscription]struct{}),
	}
	n.queue = batch.New(n.deliver, batch.Options{
		BatchSize:    opts.BatchSize,
		BatchTimeout: opts.BatchTimeout,
		Clock:        opts.Clock,
	})
	n.health.Register("store", n.checkStore)
	n.health.Register("error_rate", metrics.ErrorRateCheck(m, opts.MaxErrorRate))

	if _, err := dir.Publish(ctx, self, opts.Alias); err != nil {
		n.queue.Close()
		return nil, err
	}
	bg, cancel := context.WithCancel(context.Background())
	n.stopBG = cancel
	go n.dedup.Run(bg, opts.CleanupInterval)
	n.log.Debugf("node %s ready", short(self.ID()))
	return n, nil
}

func (n *Node) checkStore(ctx context.Context) error {
	_, _, err := n.st.ReadOnce(ctx, store.Join("users", n.self.ID(), "identity"))
	return err
}

// ID is the node's public identity.
func (n *Node) ID() string { return n.self.ID() }

func (n *Node) Metrics() *metrics.Metrics       { return n.metrics }
func (n *Node) Health() *metrics.Health         { return n.health }
func (n *Node) Chains() *chain.Sequencer        { return n.chains }
func (n *Node) Directory() *directory.Directory { return n.dir }
func (n *Node) Groups() *group.Distributor      { return n.groups }
func (n *Node) Dedup() *dedup.Deduplicator      { return n.dedup }
func (n *Node) Limiter() *ratelimit.Limiter     { return n.limiter }

// Close stops listening, fails queued sends and stops background work.
// It does not close the store.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	inbox := n.inbox
	n.inbox, n.inboxCtx = nil, nil
	subs := n.groupSubs
	n.groupSubs = make(map[store.Subscription]struct{})
	n.mu.Unlock()

	if inbox != nil {
		inbox.Close()
	}
	for s := range subs {
		s.Close()
	}
	n.queue.Close()
	n.stopBG()
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

func short(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
