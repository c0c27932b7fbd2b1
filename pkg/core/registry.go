package core

import (
	"fmt"
	"iter"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opennds-go/pkg/config"
	"opennds-go/pkg/metrics"
)

// Registry is the table of active clients. A single lock covers the whole
// table; every exported method is one critical section and none of them
// performs I/O while holding it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*session
	order    []uint64 // insertion order, for table scans
	byMAC    map[string]uint64
	byIP     map[string]uint64
	byToken  map[string]uint64
	nextID   uint64

	policy     Policy
	maxClients int

	onRemove []func(Client)

	pending  chan struct{}
	clock    Clock
	recorder metrics.Recorder
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry. A nil clock means the system clock.
func NewRegistry(cfg *config.Config, clock Clock, recorder metrics.Recorder, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	if recorder == nil {
		recorder = metrics.NewNoopRecorder()
	}
	return &Registry{
		sessions:   make(map[uint64]*session),
		byMAC:      make(map[string]uint64),
		byIP:       make(map[string]uint64),
		byToken:    make(map[string]uint64),
		policy:     PolicyFromConfig(cfg),
		maxClients: cfg.MaxClients,
		pending:    make(chan struct{}, 1),
		clock:      clock,
		recorder:   recorder,
		logger:     logger.With().Str("component", "registry").Logger(),
	}
}

// Reconfigure applies a new evaluation policy and client limit. Existing
// sessions keep their limits until they are next evaluated.
func (r *Registry) Reconfigure(newConfig *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = PolicyFromConfig(newConfig)
	r.maxClients = newConfig.MaxClients
	r.logger.Info().Int("maxclients", r.maxClients).Int("ratethreshold", r.policy.RateThreshold).Msg("Registry reconfigured")
	return nil
}

// Policy returns the evaluation policy currently in force.
func (r *Registry) Policy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Pending is signalled whenever work is queued for the watchdog, such as a forced deauth.
func (r *Registry) Pending() <-chan struct{} {
	return r.pending
}

func (r *Registry) notify() {
	select {
	case r.pending <- struct{}{}:
	default:
	}
}

func normalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil {
		return "", fmt.Errorf("invalid mac %q: %w", mac, err)
	}
	return hw.String(), nil
}

func normalizeIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("invalid ip %q", ip)
	}
	return parsed.String(), nil
}

// Add registers a new preauthenticated client. It fails with ErrDuplicateClient
// when an active session already holds the MAC or the IP.
func (r *Registry) Add(mac, ip string) (Client, error) {
	mac, err := normalizeMAC(mac)
	if err != nil {
		return Client{}, err
	}
	ip, err = normalizeIP(ip)
	if err != nil {
		return Client{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byMAC, macTaken := r.byMAC[mac]
	byIP, ipTaken := r.byIP[ip]
	switch {
	case macTaken && ipTaken && byMAC == byIP:
		return Client{}, fmt.Errorf("%w: %s %s is client %d", ErrDuplicateClient, mac, ip, byMAC)
	case macTaken:
		return Client{}, fmt.Errorf("%w: mac %s is held by client %d", ErrDuplicateClient, mac, byMAC)
	case ipTaken:
		return Client{}, fmt.Errorf("%w: ip %s is held by client %d", ErrDuplicateClient, ip, byIP)
	}
	if r.maxClients > 0 && len(r.sessions) >= r.maxClients {
		return Client{}, fmt.Errorf("%w (%d)", ErrTooManyClients, r.maxClients)
	}

	token := uuid.NewString()
	for _, taken := r.byToken[token]; taken; _, taken = r.byToken[token] {
		token = uuid.NewString()
	}

	r.nextID++
	now := r.clock.Now()
	s := &session{Client: Client{
		ID:      r.nextID,
		MAC:     mac,
		IP:      ip,
		Token:   token,
		State:   Preauthenticated,
		Created: now,
	}}
	s.Counters.LastUpdated = now

	r.sessions[s.ID] = s
	r.order = append(r.order, s.ID)
	r.byMAC[mac] = s.ID
	r.byIP[ip] = s.ID
	r.byToken[token] = s.ID

	r.recorder.IncCounter(metrics.ClientsAddedTotal, nil)
	r.recorder.SetGauge(metrics.ClientsActive, nil, float64(len(r.sessions)))
	r.logger.Debug().Uint64("id", s.ID).Str("mac", mac).Str("ip", ip).Msg("Client added")
	return s.Client, nil
}

// Delete removes the client with the given id. Deleting an absent client is a
// no-op; the result reports whether anything was removed.
func (r *Registry) Delete(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(id)
}

// OnRemove registers fn to be called with every client leaving the table.
// fn runs under the registry lock and must not call back into the registry.
func (r *Registry) OnRemove(fn func(Client)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// remove drops a session from every index. Callers hold r.mu.
func (r *Registry) remove(id uint64) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	for _, fn := range r.onRemove {
		fn(s.Client)
	}
	delete(r.sessions, id)
	delete(r.byMAC, s.MAC)
	delete(r.byIP, s.IP)
	delete(r.byToken, s.Token)
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.recorder.SetGauge(metrics.ClientsActive, nil, float64(len(r.sessions)))
	return true
}

func (r *Registry) lookup(index map[string]uint64, key string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := index[key]; ok {
		return r.sessions[id].Client, nil
	}
	return Client{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

// FindByMAC returns the client with the given MAC.
func (r *Registry) FindByMAC(mac string) (Client, error) {
	if hw, err := net.ParseMAC(mac); err == nil {
		mac = hw.String()
	}
	return r.lookup(r.byMAC, mac)
}

// FindByIP returns the client with the given IP.
func (r *Registry) FindByIP(ip string) (Client, error) {
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	return r.lookup(r.byIP, ip)
}

// FindByToken returns the client holding token.
func (r *Registry) FindByToken(token string) (Client, error) {
	return r.lookup(r.byToken, token)
}

// FindByID returns the client with the given id.
func (r *Registry) FindByID(id uint64) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.Client, nil
	}
	return Client{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
}

// FindByAny returns the first client in table order matching any non-empty
// argument. Callers often know only one identifier.
func (r *Registry) FindByAny(mac, ip, token string) (Client, error) {
	if hw, err := net.ParseMAC(mac); err == nil {
		mac = hw.String()
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		s := r.sessions[id]
		if (mac != "" && s.MAC == mac) || (ip != "" && s.IP == ip) || (token != "" && s.Token == token) {
			return s.Client, nil
		}
	}
	return Client{}, fmt.Errorf("%w: mac=%q ip=%q token=%q", ErrNotFound, mac, ip, token)
}

// Find resolves an administrative key: a numeric id, a MAC, an IP or a token.
func (r *Registry) Find(key string) (Client, error) {
	key = strings.TrimSpace(key)
	if id, err := strconv.ParseUint(key, 10, 64); err == nil {
		if c, err := r.FindByID(id); err == nil {
			return c, nil
		}
	}
	return r.FindByAny(key, key, key)
}

// Length returns the number of active clients.
func (r *Registry) Length() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// First returns the oldest active client.
func (r *Registry) First() (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return Client{}, false
	}
	return r.sessions[r.order[0]].Client, true
}

// Snapshot copies every active client in table order.
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clients := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		c := r.sessions[id].Client
		for _, fn := range r.onRemove {
			fn(c)
		}
		clients = append(clients, c)
	}
	return clients
}

// Summary counts clients by state.
type Summary struct {
	Total            int `json:"total"`
	Preauthenticated int `json:"preauthenticated"`
	Authenticated    int `json:"authenticated"`
	Blocked          int `json:"blocked"`
	Throttled        int `json:"throttled"`
}

// Summary returns the current client counts.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := Summary{Total: len(r.sessions)}
	for _, s := range r.sessions {
		switch s.State {
		case Preauthenticated:
			sum.Preauthenticated++
		case Authenticated:
			sum.Authenticated++
		case Blocked:
			sum.Blocked++
		}
		if s.Throttled() {
			sum.Throttled++
		}
	}
	return sum
}

// All iterates over a snapshot taken when iteration starts. Each call takes a new snapshot.
func (r *Registry) All() iter.Seq[Client] {
	return func(yield func(Client) bool) {
		for _, c := range r.Snapshot() {
			if !yield(c) {
				return
			}
		}
	}
}

// Update applies fn to a copy of the client and stores the result. Identity
// fields and connection state cannot be changed this way.
func (r *Registry) Update(id uint64, fn func(*Client) error) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	c := s.Client
	if err := fn(&c); err != nil {
		return s.Client, err
	}
	if c.ID != s.ID || c.MAC != s.MAC || c.IP != s.IP || c.Token != s.Token || c.State != s.State {
		return s.Client, fmt.Errorf("%w: update may not change identity or state of client %d", ErrInvariantViolation, id)
	}
	s.Client = c
	return c, nil
}

// ClaimAuth reserves a preauthenticated client for one authentication attempt.
// A second claim fails with ErrInvalidTransition until Authenticate succeeds or
// ReleaseAuth is called.
func (r *Registry) ClaimAuth(id uint64) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := transition(s.State, Authenticated); err != nil {
		return s.Client, fmt.Errorf("client %d: %w", id, err)
	}
	if s.authenticating {
		return s.Client, fmt.Errorf("client %d: authentication already in progress: %w", id, ErrInvalidTransition)
	}
	s.authenticating = true
	return s.Client, nil
}

// ReleaseAuth drops a claim taken by ClaimAuth. Releasing an unclaimed or
// absent client is a no-op.
func (r *Registry) ReleaseAuth(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.authenticating = false
	}
}

// Authenticate moves a preauthenticated client to Authenticated and applies the
// grant. Accounting restarts from zero and the first watchdog pass is marked
// as the initial loop.
func (r *Registry) Authenticate(id uint64, g Grant) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := transition(s.State, Authenticated); err != nil {
		return s.Client, fmt.Errorf("client %d: %w", id, err)
	}

	now := r.clock.Now()
	s.State = Authenticated
	s.SessionStart = now
	s.SessionEnd = g.SessionEnd
	s.WindowStart = now
	s.InitialLoop = true
	s.UploadRate, s.DownloadRate = g.UploadRate, g.DownloadRate
	s.UploadQuota, s.DownloadQuota = g.UploadQuota, g.DownloadQuota
	s.UploadBucketSize = r.policy.BucketSize(Upload, g.UploadRate)
	s.DownloadBucketSize = r.policy.BucketSize(Download, g.DownloadRate)
	s.OutPacketLimit = r.policy.PacketLimit(g.UploadRate)
	s.IncPacketLimit = r.policy.PacketLimit(g.DownloadRate)
	s.HID, s.CID = g.HID, g.CID
	s.ClientType, s.CustomData = g.ClientType, g.CustomData
	s.Counters.Reset(now)
	s.fwFailures = 0
	s.authenticating = false

	r.logger.Info().Uint64("id", id).Str("mac", s.MAC).Str("ip", s.IP).
		Time("session_end", s.SessionEnd).Msg("Client authenticated")
	return s.Client, nil
}

// Block stops a preauthenticated client from authenticating.
func (r *Registry) Block(id uint64) (Client, error) {
	return r.setState(id, Blocked)
}

// Unblock returns a blocked client to Preauthenticated.
func (r *Registry) Unblock(id uint64) (Client, error) {
	return r.setState(id, Preauthenticated)
}

func (r *Registry) setState(id uint64, to ConnState) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Client{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err := transition(s.State, to); err != nil {
		return s.Client, fmt.Errorf("client %d: %w", id, err)
	}
	s.State = to
	return s.Client, nil
}

// ForceDeauth queues the client identified by key for deauthentication with
// the given hook event. The watchdog applies it on its next tick.
func (r *Registry) ForceDeauth(key, event string) (Client, error) {
	c, err := r.Find(key)
	if err != nil {
		return Client{}, err
	}

	r.mu.Lock()
	s, ok := r.sessions[c.ID]
	if ok {
		s.pendingDeauth = event
		c = s.Client
	}
	r.mu.Unlock()

	if !ok {
		return Client{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	r.notify()
	r.logger.Info().Uint64("id", c.ID).Str("mac", c.MAC).Str("event", event).Msg("Client queued for deauthentication")
	return c, nil
}

// Drain removes every client and returns them, for the one-time flush at shutdown.
func (r *Registry) Drain() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	clients := make([]Client, 0, len(r.order))
	for _, id := range r.order {
		c := r.sessions[id].Client
		for _, fn := range r.onRemove {
			fn(c)
		}
		clients = append(clients, c)
	}
	clear(r.sessions)
	clear(r.byMAC)
	clear(r.byIP)
	clear(r.byToken)
	r.order = nil
	r.recorder.SetGauge(metrics.ClientsActive, nil, 0)
	return clients
}
