// Package shard coordinates several gateway sessions. Every shard is an
// independent gateway.Gateway; the Manager opens them in the order the
// gateway requires, supervises their reconnections through one priority
// queue and fans presence updates out to them.
package shard

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cordwire/cordwire/api"
	"github.com/cordwire/cordwire/discord"
	"github.com/cordwire/cordwire/gateway"
	"github.com/cordwire/cordwire/internal/backoff"
	"github.com/cordwire/cordwire/internal/lazytime"
	"github.com/cordwire/cordwire/internal/metrics"
	"github.com/cordwire/cordwire/utils/handler"
)

// ErrNoClient is returned by Rescale if the Manager was created without an
// API client.
var ErrNoClient = errors.New("manager has no API client")

// Options configures a Manager.
type Options struct {
	// Gateway is the base configuration of every shard. Its Handlers registry
	// is shared by all shards.
	Gateway gateway.Options
	// NumShards overrides the recommended shard count if it is above 0.
	NumShards int
	// Backoff is the base reconnect delay of each shard.
	Backoff time.Duration
	Logger  *logrus.Entry
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		Gateway: gateway.DefaultOptions(),
		Backoff: time.Second,
	}
}

// Manager manages all shards of one bot. An instance of Manager must never be
// copied.
type Manager struct {
	opts     Options
	client   *api.Client
	base     *gateway.Identifier
	handlers *handler.Registry[gateway.Event]
	log      *logrus.Entry

	events   *eventQueue
	presence *presenceCache

	mutex    sync.RWMutex
	url      string
	shards   []*gateway.Gateway
	backoffs map[int]*backoff.Backoff
	closed   bool
}

// NewManager asks the API for the gateway URL and the recommended shard
// count, then creates a Manager for token.
func NewManager(ctx context.Context, token string, opts Options) (*Manager, error) {
	client := api.NewClient("Bot " + token)

	id := gateway.DefaultIdentifier(token)

	data, err := fetchBotData(ctx, client, id)
	if err != nil {
		return nil, err
	}

	numShards := data.Shards
	if opts.NumShards > 0 {
		numShards = opts.NumShards
	}

	m := NewManagerWithURL(data.URL, id, numShards, opts)
	m.client = client
	return m, nil
}

// fetchBotData queries the bot gateway and applies its identify quota to
// id's limiters.
func fetchBotData(ctx context.Context, client *api.Client, id *gateway.Identifier) (*api.BotData, error) {
	data, err := client.BotGateway(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gateway info")
	}

	if data.StartLimit.MaxConcurrency > 0 {
		id.SetMaxConcurrency(data.StartLimit.MaxConcurrency)
	}
	if data.StartLimit.Remaining > 0 {
		resetAt := time.Now().Add(data.StartLimit.ResetAfter())
		id.IdentifyGlobalLimit.SetBurst(data.StartLimit.Remaining)
		id.IdentifyGlobalLimit.SetBurstAt(resetAt, data.StartLimit.Total)
	}

	return data, nil
}

// NewManagerWithURL creates a Manager of numShards shards connecting to
// gatewayURL. Every shard identifies through id's limiters.
func NewManagerWithURL(gatewayURL string, id *gateway.Identifier, numShards int, opts Options) *Manager {
	if numShards < 1 {
		numShards = 1
	}
	if opts.Gateway.Handlers == nil {
		opts.Gateway.Handlers = handler.New[gateway.Event]()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.Gateway.Logger == nil {
		opts.Gateway.Logger = opts.Logger
	}

	m := &Manager{
		opts:     opts,
		base:     id,
		handlers: opts.Gateway.Handlers,
		log:      opts.Logger.WithField("component", "shard_manager"),
		events:   newEventQueue(),
		presence: newPresenceCache(),
		url:      gatewayURL,
		backoffs: make(map[int]*backoff.Backoff),
	}

	m.shards = m.newShards(gatewayURL, numShards)
	m.bindPresence()

	return m
}

func (m *Manager) newShards(gatewayURL string, numShards int) []*gateway.Gateway {
	shards := make([]*gateway.Gateway, numShards)
	for i := range shards {
		shards[i] = gateway.NewWithIdentifier(gatewayURL, m.base.ForShard(i, numShards), m.opts.Gateway)
	}
	return shards
}

func (m *Manager) bindPresence() {
	m.handlers.Add(gateway.ReadyEventName, func(ev gateway.Event) {
		if r, ok := ev.Value.(*gateway.ReadyEvent); ok {
			m.presence.ready(ev.ShardID, r.Guilds)
		}
	})
	m.handlers.Add(gateway.GuildCreateEventName, func(ev gateway.Event) {
		if g, ok := ev.Value.(*gateway.GuildCreateEvent); ok {
			m.presence.addGuild(ev.ShardID, g.ID)
		}
	})
	m.handlers.Add(gateway.GuildDeleteEventName, func(ev gateway.Event) {
		// Unavailable guilds are still owned by the shard.
		if g, ok := ev.Value.(*gateway.GuildDeleteEvent); ok && !g.Unavailable {
			m.presence.removeGuild(ev.ShardID, g.ID)
		}
	})
}

// Handlers returns the registry shared by all shards.
func (m *Manager) Handlers() *handler.Registry[gateway.Event] { return m.handlers }

// AddHandler adds a handler to every shard.
func (m *Manager) AddHandler(name string, fn func(gateway.Event)) (rm func()) {
	return m.handlers.Add(name, fn)
}

// GatewayURL returns the gateway URL without query string.
func (m *Manager) GatewayURL() string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.url
}

// NumShards returns the total number of shards.
func (m *Manager) NumShards() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.shards)
}

// Shard returns the shard with the given ID, or nil if there is none.
func (m *Manager) Shard(ix int) *gateway.Gateway {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if ix < 0 || ix >= len(m.shards) {
		return nil
	}
	return m.shards[ix]
}

// FromGuildID returns the shard receiving the events of guildID along with
// its ID.
func (m *Manager) FromGuildID(guildID discord.GuildID) (shard *gateway.Gateway, ix int) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.shards) == 0 {
		return nil, 0
	}

	ix = guildID.ShardOf(len(m.shards))
	return m.shards[ix], ix
}

// ForGuild returns the shard receiving the events of guildID.
func (m *Manager) ForGuild(guildID discord.GuildID) *gateway.Gateway {
	g, _ := m.FromGuildID(guildID)
	return g
}

// ForEach calls f on each shard from first to last.
func (m *Manager) ForEach(f func(shard *gateway.Gateway)) {
	m.mutex.RLock()
	shards := m.shards
	m.mutex.RUnlock()

	for _, g := range shards {
		f(g)
	}
}

// Latencies returns the heartbeat latency of every shard.
func (m *Manager) Latencies() map[int]time.Duration {
	latencies := make(map[int]time.Duration)
	m.ForEach(func(g *gateway.Gateway) {
		latencies[g.ShardID()] = g.Latency()
	})
	return latencies
}

// Open opens all shards. Shard 0 is opened first and must reach READY before
// the others are opened concurrently; their identifies are still serialized
// by the shared identify limiters. If any shard fails, every shard is closed
// and replaced by an unopened one, so Open may be called again.
func (m *Manager) Open(ctx context.Context) error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return gateway.ErrClosed
	}
	shards := m.shards
	m.mutex.Unlock()

	if err := m.openShards(ctx, shards); err != nil {
		m.replaceShards(shards)
		return err
	}

	return nil
}

// replaceShards swaps failed for a fresh set of shards, unless the Manager was
// closed or rescaled in the meantime.
func (m *Manager) replaceShards(failed []*gateway.Gateway) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.closed || len(m.shards) != len(failed) || len(failed) == 0 || m.shards[0] != failed[0] {
		return
	}

	m.shards = m.newShards(m.url, len(failed))
	m.presence.reset()
}

func (m *Manager) openShards(ctx context.Context, shards []*gateway.Gateway) error {
	if len(shards) == 0 {
		return nil
	}

	if err := shards[0].Open(ctx, false); err != nil {
		closeShards(shards)
		return errors.Wrap(err, "failed to open shard 0")
	}
	m.watch(shards[0])

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)

	for _, g := range shards[1:] {
		wg.Add(1)
		go func(g *gateway.Gateway) {
			defer wg.Done()

			if err := g.Open(ctx, false); err != nil {
				errMu.Lock()
				if first == nil {
					first = errors.Wrapf(err, "failed to open shard %d", g.ShardID())
				}
				errMu.Unlock()
				return
			}

			m.watch(g)
		}(g)
	}

	wg.Wait()

	if first != nil {
		closeShards(shards)
		return first
	}

	return nil
}

// watch queues a lifecycle event once the current connection of g ends.
func (m *Manager) watch(g *gateway.Gateway) {
	done := g.Done()

	go func() {
		<-done

		err := g.Err()
		if err == nil {
			return
		}

		m.mutex.RLock()
		closed := m.closed
		m.mutex.RUnlock()

		if closed {
			return
		}

		m.events.Push(LifecycleEvent{
			Kind:    eventKind(err),
			ShardID: g.ShardID(),
			Err:     err,
			gateway: g,
		})
	}()
}

func eventKind(err error) EventKind {
	resume, fatal := gateway.Classify(err)
	switch {
	case fatal:
		return CloseShard
	case errors.Is(err, gateway.ErrReconnectRequested):
		return ReconnectShard
	case resume:
		return ResumeShard
	default:
		return IdentifyShard
	}
}

// Run supervises the shards until ctx is done or a shard closes fatally.
// Every shard is closed when Run returns. It returns nil once ctx is done, or
// the fatal error otherwise.
func (m *Manager) Run(ctx context.Context) error {
	for {
		ev, err := m.events.Pop(ctx)
		if err != nil {
			m.Close()
			return nil
		}

		if err := m.handle(ctx, ev); err != nil {
			m.Close()
			return err
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev LifecycleEvent) error {
	log := m.log.WithFields(logrus.Fields{
		"shard":  ev.ShardID,
		"action": ev.Kind,
	})

	// Events of shards replaced by Rescale are stale.
	if g := m.Shard(ev.ShardID); g == nil || g != ev.gateway {
		log.Debug("dropping event of a replaced shard")
		return nil
	}

	switch ev.Kind {
	case CloseShard:
		log.WithError(ev.Err).Error("shard closed fatally")
		ev.gateway.Close()
		return errors.Wrapf(ev.Err, "shard %d closed", ev.ShardID)

	case ReconnectShard, ResumeShard:
		m.reopen(ctx, ev, true)
	case IdentifyShard:
		m.reopen(ctx, ev, false)
	}

	return nil
}

func (m *Manager) reopen(ctx context.Context, ev LifecycleEvent, resume bool) {
	log := m.log.WithFields(logrus.Fields{
		"shard":  ev.ShardID,
		"resume": resume,
	})

	m.opts.Gateway.Metrics.Reconnect(metrics.SocketGateway, resume)

	if err := lazytime.Sleep(ctx, m.backoff(ev.ShardID).Delay()); err != nil {
		return
	}

	g := ev.gateway
	if err := g.Open(ctx, resume); err != nil {
		log.WithError(err).Warn("failed to reconnect shard")

		m.events.Push(LifecycleEvent{
			Kind:    eventKind(err),
			ShardID: ev.ShardID,
			Err:     err,
			gateway: g,
		})
		return
	}

	log.Info("shard reconnected")
	m.watch(g)
}

func (m *Manager) backoff(shard int) *backoff.Backoff {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	b, ok := m.backoffs[shard]
	if !ok {
		b = backoff.New(m.opts.Backoff, false)
		m.backoffs[shard] = b
	}
	return b
}

// ChangePresence updates the presence on one shard, or on every shard if
// shardID is nil. The presence is mirrored into the cache of each guild owned
// by the updated shards.
func (m *Manager) ChangePresence(ctx context.Context, p gateway.UpdatePresenceCommand, shardID *int) error {
	if shardID != nil {
		g := m.Shard(*shardID)
		if g == nil {
			return errors.Errorf("no shard %d", *shardID)
		}
		if err := g.UpdatePresence(ctx, p); err != nil {
			return errors.Wrapf(err, "failed to update presence on shard %d", *shardID)
		}
		m.presence.set(*shardID, p)
		return nil
	}

	m.mutex.RLock()
	shards := m.shards
	m.mutex.RUnlock()

	for _, g := range shards {
		if err := g.UpdatePresence(ctx, p); err != nil {
			return errors.Wrapf(err, "failed to update presence on shard %d", g.ShardID())
		}
		m.presence.set(g.ShardID(), p)
	}

	return nil
}

// Presence returns the presence last set on the shard owning guildID.
func (m *Manager) Presence(guildID discord.GuildID) (gateway.UpdatePresenceCommand, bool) {
	return m.presence.guild(guildID)
}

// Rescale asks the API for the recommended shard count again, closes every
// shard and opens the new set. It retries with backoff until ctx is done.
func (m *Manager) Rescale(ctx context.Context) error {
	if m.client == nil {
		return ErrNoClient
	}

	m.mutex.Lock()
	old := m.shards
	m.shards = nil
	m.mutex.Unlock()

	closeShards(old)
	m.presence.reset()

	timer := backoff.NewTimer(m.opts.Backoff)
	defer timer.Stop()

	for {
		err := m.tryRescale(ctx)
		if err == nil {
			return nil
		}

		m.log.WithError(err).Warn("failed to rescale")

		if _, err := timer.Sleep(ctx); err != nil {
			return err
		}
	}
}

func (m *Manager) tryRescale(ctx context.Context) error {
	data, err := fetchBotData(ctx, m.client, m.base)
	if err != nil {
		return err
	}

	numShards := data.Shards
	if m.opts.NumShards > 0 {
		numShards = m.opts.NumShards
	}

	shards := m.newShards(data.URL, numShards)
	if err := m.openShards(ctx, shards); err != nil {
		return err
	}

	m.mutex.Lock()
	m.url = data.URL
	m.shards = shards
	m.backoffs = make(map[int]*backoff.Backoff)
	m.mutex.Unlock()

	return nil
}

// Close closes every shard.
func (m *Manager) Close() error {
	m.mutex.Lock()
	m.closed = true
	shards := m.shards
	m.mutex.Unlock()

	return closeShards(shards)
}

func closeShards(shards []*gateway.Gateway) error {
	var first error
	for _, g := range shards {
		if err := g.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to close shard %d", g.ShardID())
		}
	}
	return first
}
