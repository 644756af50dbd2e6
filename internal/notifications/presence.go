package notifications

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"chatterbox/internal/middleware"
	"chatterbox/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOnlineSetKey      = "ws:online_users"
	defaultLastSeenKeyPrefix = "ws:last_seen:"

	maxSessionsPerUser = 12
	maxTotalSessions   = 10000
)

var (
	ErrUserSessionLimit   = errors.New("user connection limit reached")
	ErrServerSessionLimit = errors.New("server connection limit reached")
)

// StatusStore persists a user's online flag and last-seen time.
type StatusStore interface {
	SetOnline(ctx context.Context, userID uint, online bool, at time.Time) error
}

// PresenceConfig wires the optional collaborators of a Presence.
type PresenceConfig struct {
	// Redis mirrors the online set across processes when set.
	Redis *redis.Client
	// Status persists is_online/last_seen when set.
	Status StatusStore
	// OfflineGrace delays the offline transition so a quick reconnect
	// does not flap. Zero goes offline immediately.
	OfflineGrace time.Duration

	OnlineSetKey      string
	LastSeenKeyPrefix string
}

// Presence tracks the live sessions of every user connected to this process.
// A user is online while at least one session is open.
type Presence struct {
	mu            sync.RWMutex
	sessions      map[uint]map[*Client]struct{}
	total         int
	offlineTimers map[uint]*time.Timer

	rdb          *redis.Client
	status       StatusStore
	offlineGrace time.Duration
	onlineSetKey string
	lastSeenNS   string

	onTransition func(ctx context.Context, userID uint, online bool)
	log          *observability.WSLogger
}

// NewPresence creates an empty registry.
func NewPresence(cfg PresenceConfig) *Presence {
	p := &Presence{
		sessions:      make(map[uint]map[*Client]struct{}),
		offlineTimers: make(map[uint]*time.Timer),
		rdb:           cfg.Redis,
		status:        cfg.Status,
		offlineGrace:  cfg.OfflineGrace,
		onlineSetKey:  defaultOnlineSetKey,
		lastSeenNS:    defaultLastSeenKeyPrefix,
		log:           observability.NewWSLogger("presence").WithLogger(middleware.Logger),
	}
	if cfg.OnlineSetKey != "" {
		p.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		p.lastSeenNS = cfg.LastSeenKeyPrefix
	}
	return p
}

// Name identifies the registry in metrics.
func (p *Presence) Name() string { return "presence" }

// OnTransition registers the callback run after a user goes online or offline.
func (p *Presence) OnTransition(fn func(ctx context.Context, userID uint, online bool)) {
	p.mu.Lock()
	p.onTransition = fn
	p.mu.Unlock()
}

// Connect adds a session. first reports whether the user just came online.
func (p *Presence) Connect(ctx context.Context, userID uint, c *Client) (first bool, err error) {
	p.mu.Lock()
	if p.total >= maxTotalSessions {
		p.mu.Unlock()
		return false, ErrServerSessionLimit
	}
	set, ok := p.sessions[userID]
	if !ok {
		set = make(map[*Client]struct{})
		p.sessions[userID] = set
	}
	if len(set) >= maxSessionsPerUser {
		p.mu.Unlock()
		return false, ErrUserSessionLimit
	}

	// A pending offline timer means the user never left from everyone
	// else's point of view.
	pending := false
	if t, ok := p.offlineTimers[userID]; ok {
		t.Stop()
		delete(p.offlineTimers, userID)
		pending = true
	}
	first = len(set) == 0 && !pending
	set[c] = struct{}{}
	p.total++
	sessions := len(set)
	p.mu.Unlock()

	middleware.ActiveWebSockets.Inc()
	observability.WebSocketConnectionsTotal.Inc()
	p.log.LogConnect(ctx, userID, sessions)

	if first {
		p.goOnline(ctx, userID)
	}
	return first, nil
}

// Disconnect removes a session. last reports whether it was the user's final
// session on this process; the offline transition may still be delayed by
// the grace period.
func (p *Presence) Disconnect(ctx context.Context, userID uint, c *Client) (last bool) {
	p.mu.Lock()
	set, ok := p.sessions[userID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, exists := set[c]; !exists {
		p.mu.Unlock()
		return false
	}
	delete(set, c)
	p.total--
	remaining := len(set)
	if remaining == 0 {
		delete(p.sessions, userID)
	}

	if remaining == 0 && p.offlineGrace > 0 {
		p.offlineTimers[userID] = time.AfterFunc(p.offlineGrace, func() {
			p.finalizeOffline(context.Background(), userID)
		})
	}
	grace := p.offlineGrace
	p.mu.Unlock()

	middleware.ActiveWebSockets.Dec()
	observability.WebSocketConnectionsTotal.Dec()
	p.log.LogDisconnect(ctx, userID, remaining, "closed")

	if remaining == 0 && grace <= 0 {
		p.goOffline(ctx, userID)
	}
	return remaining == 0
}

// UnregisterClient satisfies WSHub for the read pump.
func (p *Presence) UnregisterClient(c *Client) {
	p.Disconnect(context.Background(), c.UserID, c)
}

// Resolve returns the open sessions of userID.
func (p *Presence) Resolve(userID uint) []*Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.sessions[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID has a session on this process.
func (p *Presence) IsOnline(userID uint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.sessions[userID]) > 0 {
		return true
	}
	_, pending := p.offlineTimers[userID]
	return pending
}

// OnlineUsers lists online users in ascending order: local sessions plus the
// Redis online set written by other processes.
func (p *Presence) OnlineUsers(ctx context.Context) []uint {
	seen := make(map[uint]struct{})
	p.mu.RLock()
	for id := range p.sessions {
		seen[id] = struct{}{}
	}
	for id := range p.offlineTimers {
		seen[id] = struct{}{}
	}
	p.mu.RUnlock()

	if p.rdb != nil {
		members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
		if err != nil {
			middleware.Logger.WarnContext(ctx, "presence: read online set failed", "error", err)
		}
		for _, raw := range members {
			if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
				seen[uint(id)] = struct{}{}
			}
		}
	}

	out := make([]uint, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Deliver queues data on every local session of userID and returns how many
// sessions received it.
func (p *Presence) Deliver(userID uint, data []byte) int {
	clients := p.Resolve(userID)
	for _, c := range clients {
		c.TrySend(data)
	}
	return len(clients)
}

// DeliverAll queues data on every local session.
func (p *Presence) DeliverAll(data []byte) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, set := range p.sessions {
		for c := range set {
			c.TrySend(data)
		}
	}
}

// Shutdown closes every session and cancels pending offline timers.
func (p *Presence) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.offlineGrace = 0
	for id, t := range p.offlineTimers {
		t.Stop()
		delete(p.offlineTimers, id)
	}
	var clients []*Client
	for _, set := range p.sessions {
		for c := range set {
			clients = append(clients, c)
		}
	}
	p.mu.Unlock()

	for _, c := range clients {
		if c.Conn != nil {
			_ = c.Conn.Close()
		}
		p.Disconnect(ctx, c.UserID, c)
	}
	return nil
}

func (p *Presence) finalizeOffline(ctx context.Context, userID uint) {
	p.mu.Lock()
	if _, ok := p.offlineTimers[userID]; !ok || len(p.sessions[userID]) > 0 {
		p.mu.Unlock()
		return
	}
	delete(p.offlineTimers, userID)
	p.mu.Unlock()

	p.goOffline(ctx, userID)
}

func (p *Presence) goOnline(ctx context.Context, userID uint) {
	now := time.Now()
	observability.OnlineUsers.Inc()
	p.persist(ctx, userID, true, now)
	if p.rdb != nil {
		uid := strconv.FormatUint(uint64(userID), 10)
		if err := p.rdb.SAdd(ctx, p.onlineSetKey, uid).Err(); err != nil {
			middleware.Logger.WarnContext(ctx, "presence: SADD failed", "user_id", userID, "error", err)
		}
		p.touchLastSeen(ctx, userID, now)
	}
	p.notify(ctx, userID, true)
}

func (p *Presence) goOffline(ctx context.Context, userID uint) {
	now := time.Now()
	observability.OnlineUsers.Dec()
	p.persist(ctx, userID, false, now)
	if p.rdb != nil {
		uid := strconv.FormatUint(uint64(userID), 10)
		if err := p.rdb.SRem(ctx, p.onlineSetKey, uid).Err(); err != nil {
			middleware.Logger.WarnContext(ctx, "presence: SREM failed", "user_id", userID, "error", err)
		}
		p.touchLastSeen(ctx, userID, now)
	}
	p.notify(ctx, userID, false)
}

func (p *Presence) touchLastSeen(ctx context.Context, userID uint, at time.Time) {
	key := p.lastSeenNS + strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.Set(ctx, key, strconv.FormatInt(at.Unix(), 10), 0).Err(); err != nil {
		middleware.Logger.WarnContext(ctx, "presence: last-seen write failed", "user_id", userID, "error", err)
	}
}

func (p *Presence) persist(ctx context.Context, userID uint, online bool, at time.Time) {
	if p.status == nil {
		return
	}
	if err := p.status.SetOnline(ctx, userID, online, at); err != nil {
		p.log.LogError(ctx, userID, err, "presence_persist")
	}
}

func (p *Presence) notify(ctx context.Context, userID uint, online bool) {
	p.mu.RLock()
	fn := p.onTransition
	p.mu.RUnlock()
	if fn != nil {
		fn(ctx, userID, online)
	}
}
