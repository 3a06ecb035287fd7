// Package registry implements the Registry described in spec.md §4.1: the
// authoritative in-memory map of agent/customer principals to session
// handles, reverse session->principal lookup, per-agent liveness TTL, and
// per-agent load ordering — grounded on the teacher's
// internal/websocket/agent_hub.go (AgentHub connection map, register/
// unregister channel pattern, stale-connection sweep).
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chatdispatch/dispatcher/internal/models"
)

// Mirror is the optional Redis-backed KV write-through target described in
// spec.md §6 ("a volatile KV store ... required for Registry mirroring"):
// crash/restart observability only, never a correctness dependency for this
// single-instance dispatcher (spec.md §9). Satisfied by *cache.Cache via the
// adapter methods in internal/cache/keys.go. Every call is fire-and-forget —
// a mirror failure must never block or fail the in-memory operation it
// shadows, so Registry launches each write in its own goroutine and never
// inspects an error from it.
type Mirror interface {
	MirrorAgentBound(ctx context.Context, agentID int64, handle string, ttl time.Duration)
	MirrorAgentStatus(ctx context.Context, agentID int64, status models.AgentStatus)
	MirrorHeartbeat(ctx context.Context, agentID int64, ttl time.Duration)
	MirrorCustomerBound(ctx context.Context, customerID int64, handle string)
	MirrorUnbindAgent(ctx context.Context, agentID int64, handle string)
	MirrorUnbindCustomer(ctx context.Context, customerID int64, handle string)
}

// Session is an opaque handle to a live transport connection. SessionGateway
// supplies the concrete value (its *websocket.Conn wrapper); Registry only
// ever compares sessions by their Handle() value.
type Session interface {
	// Handle is a stable per-connection identifier used as the reverse
	// lookup key and for equality checks during eviction.
	Handle() string
	// Established reports whether the transport is still usable, used by
	// BindAgent's eviction probe (spec.md §4.1/§4.5).
	Established() bool
	// Kick pushes a terminal frame and initiates a graceful close. Best
	// effort: Registry does not wait for it to finish.
	Kick(message string)
}

type principal struct {
	kind models.SenderKind // SenderAgent or SenderCustomer
	id   int64
}

type agentEntry struct {
	status   models.AgentStatus
	session  Session
	liveUntil time.Time
	score    float64
	inLoad   bool
}

// Registry holds all volatile session-related state. Zero value is not
// usable; construct with New.
type Registry struct {
	mu sync.RWMutex

	agentSessions    map[int64]Session
	customerSessions map[int64]Session
	bySession        map[string]principal
	agents           map[int64]*agentEntry

	livenessTTL time.Duration
	mirror      Mirror
}

// New constructs an empty Registry. livenessTTL is the heartbeat window
// (spec.md §6 default 60s) after which IsAlive reports false absent a
// refresh.
func New(livenessTTL time.Duration) *Registry {
	return &Registry{
		agentSessions:    make(map[int64]Session),
		customerSessions: make(map[int64]Session),
		bySession:        make(map[string]principal),
		agents:           make(map[int64]*agentEntry),
		livenessTTL:      livenessTTL,
	}
}

// SetMirror installs the KV mirror after construction, mirroring the
// Gateway/LifecycleManager two-phase wiring cmd/main.go already uses
// elsewhere. Nil-safe: a Registry with no mirror installed (the default)
// behaves exactly as before.
func (r *Registry) SetMirror(m Mirror) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirror = m
}

// BindAgent implements spec.md §4.1 BindAgent: evicts any prior session,
// installs the new binding, marks the agent ONLINE, refreshes liveness, and
// inserts it into the load ordering. Returns the evicted session, if any,
// so the caller (SessionGateway) can observe whether a kick happened —
// Registry itself already issued the Kick call before returning.
func (r *Registry) BindAgent(agentID int64, session Session) (evicted Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.agentSessions[agentID]; ok && prior.Handle() != session.Handle() {
		if prior.Established() {
			prior.Kick("replaced by a new session")
		}
		delete(r.bySession, prior.Handle())
		evicted = prior
	}

	r.agentSessions[agentID] = session
	r.bySession[session.Handle()] = principal{kind: models.SenderAgent, id: agentID}

	e, ok := r.agents[agentID]
	if !ok {
		e = &agentEntry{}
		r.agents[agentID] = e
	}
	e.session = session
	e.status = models.AgentOnline
	e.liveUntil = time.Now().Add(r.livenessTTL)
	e.inLoad = true

	if r.mirror != nil {
		m, handle, ttl := r.mirror, session.Handle(), r.livenessTTL
		go m.MirrorAgentBound(context.Background(), agentID, handle, ttl)
	}
	return evicted
}

// BindCustomer implements spec.md §4.1 BindCustomer: no multi-session
// restriction, prior binding is simply overwritten.
func (r *Registry) BindCustomer(customerID int64, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.customerSessions[customerID]; ok {
		delete(r.bySession, prior.Handle())
	}
	r.customerSessions[customerID] = session
	r.bySession[session.Handle()] = principal{kind: models.SenderCustomer, id: customerID}

	if r.mirror != nil {
		m, handle := r.mirror, session.Handle()
		go m.MirrorCustomerBound(context.Background(), customerID, handle)
	}
}

// UnbindBySession implements spec.md §4.1 UnbindBySession.
func (r *Registry) UnbindBySession(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindBySessionLocked(handle)
}

func (r *Registry) unbindBySessionLocked(handle string) {
	p, ok := r.bySession[handle]
	if !ok {
		return
	}
	delete(r.bySession, handle)

	switch p.kind {
	case models.SenderAgent:
		delete(r.agentSessions, p.id)
		if e, ok := r.agents[p.id]; ok {
			e.status = models.AgentOffline
			e.session = nil
			e.inLoad = false
			e.liveUntil = time.Time{}
		}
		if r.mirror != nil {
			m, agentID := r.mirror, p.id
			go m.MirrorUnbindAgent(context.Background(), agentID, handle)
		}
	case models.SenderCustomer:
		delete(r.customerSessions, p.id)
		if r.mirror != nil {
			m, customerID := r.mirror, p.id
			go m.MirrorUnbindCustomer(context.Background(), customerID, handle)
		}
	}
}

// Heartbeat refreshes an agent's liveness TTL; no-op if not bound.
func (r *Registry) Heartbeat(agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.liveUntil = time.Now().Add(r.livenessTTL)

	if r.mirror != nil {
		m, ttl := r.mirror, r.livenessTTL
		go m.MirrorHeartbeat(context.Background(), agentID, ttl)
	}
}

// LookupAgentSession returns the live session bound to an agent, if any.
func (r *Registry) LookupAgentSession(agentID int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.agentSessions[agentID]
	return s, ok
}

// LookupCustomerSession returns the live session bound to a customer, if any.
func (r *Registry) LookupCustomerSession(customerID int64) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.customerSessions[customerID]
	return s, ok
}

// PrincipalKind is the principal kind returned by LookupBySession.
type PrincipalKind = models.SenderKind

// LookupBySession reverse-resolves a session handle to its principal.
func (r *Registry) LookupBySession(handle string) (kind PrincipalKind, id int64, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySession[handle]
	return p.kind, p.id, ok
}

// AgentStatus returns the agent's status; unknown agents report OFFLINE.
func (r *Registry) AgentStatus(agentID int64) models.AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.agents[agentID]; ok {
		return e.status
	}
	return models.AgentOffline
}

// SetStatus implements spec.md §4.1 SetStatus: leaving ONLINE removes the
// agent from the load ordering and stops refreshing TTL; entering ONLINE
// re-inserts it.
func (r *Registry) SetStatus(agentID int64, status models.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		e = &agentEntry{}
		r.agents[agentID] = e
	}
	wasOnline := e.status == models.AgentOnline
	e.status = status
	if status == models.AgentOnline && !wasOnline {
		e.liveUntil = time.Now().Add(r.livenessTTL)
		e.inLoad = true
	}
	if status != models.AgentOnline {
		e.inLoad = false
	}

	if r.mirror != nil {
		m := r.mirror
		go m.MirrorAgentStatus(context.Background(), agentID, status)
	}
}

// IsAlive reports whether the agent's liveness marker is fresh. This is the
// single source of truth for agent liveness (spec.md §5): Status is an
// informational cache, IsAlive trumps it wherever capacity matters.
func (r *Registry) IsAlive(agentID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	return !e.liveUntil.IsZero() && time.Now().Before(e.liveUntil)
}

// AgentLoad is one entry of the AgentsByLoad snapshot.
type AgentLoad struct {
	AgentID int64
	Score   float64
}

// AgentsByLoad returns a snapshot ordered ascending by score. Snapshot
// semantics: safe for concurrent readers, may miss very recent mutations
// (spec.md §4.1).
func (r *Registry) AgentsByLoad() []AgentLoad {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentLoad, 0, len(r.agents))
	for id, e := range r.agents {
		if !e.inLoad {
			continue
		}
		out = append(out, AgentLoad{AgentID: id, Score: e.score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].AgentID < out[j].AgentID // deterministic tie-break
	})
	return out
}

// UpdateLoad upserts an agent's ordering score; no-op if the agent isn't
// present at all (it must first appear via BindAgent/SetStatus ONLINE).
func (r *Registry) UpdateLoad(agentID int64, score float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.score = score
	}
}

// OnlineAgentIDs returns every agent id currently marked ONLINE, used by the
// heartbeat-sweep and waiting-drain reconcilers.
func (r *Registry) OnlineAgentIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.agents))
	for id, e := range r.agents {
		if e.status == models.AgentOnline {
			out = append(out, id)
		}
	}
	return out
}

// ForceOffline unconditionally marks an agent offline and evicts its
// session mapping, used by the heartbeat sweep when a liveness marker has
// expired even though the transport never signalled a close.
func (r *Registry) ForceOffline(agentID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.agentSessions[agentID]; ok {
		r.unbindBySessionLocked(s.Handle())
	}
	if e, ok := r.agents[agentID]; ok {
		e.status = models.AgentOffline
		e.inLoad = false
		e.liveUntil = time.Time{}
	}
}
