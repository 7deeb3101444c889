package core

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/karian7/chatrelay/internal/crypto"
	"github.com/karian7/chatrelay/internal/metrics"
	"github.com/karian7/chatrelay/internal/models"
)

// Termination reasons surfaced to the losing side of an arbitration.
const (
	ReasonDuplicateLogin = "duplicate_login"
	ReasonForceLogout    = "force_logout"
	ReasonKeepExisting   = "keep_existing"
)

// DefaultGraceWindow is how long the existing connection has to resolve a
// duplicate login before it is forcibly disconnected.
const DefaultGraceWindow = 10 * time.Second

// pendingArbitration tracks a duplicate-login race for one user. The timer
// and the explicit resolve commands race; whoever removes the record from
// the table executes the effect, the other becomes a no-op.
type pendingArbitration struct {
	userID   string
	existing Conn
	next     Conn
	deadline time.Time
	timer    *time.Timer
}

// Registry tracks the single authoritative connection per user and
// arbitrates duplicate logins. All mutations for one userId are serialized
// through a keyed mutex; the inner maps are additionally guarded so reads
// for unrelated users stay cheap.
type Registry struct {
	locks    *KeyedMutex
	verifier *crypto.Verifier
	grace    time.Duration
	log      zerolog.Logger

	mu      sync.RWMutex
	owners  map[string]Conn                // userId -> owning conn
	users   map[string]string              // connId -> userId
	pending map[string]*pendingArbitration // userId -> live arbitration
}

// NewRegistry creates a Registry. A zero grace duration falls back to
// DefaultGraceWindow.
func NewRegistry(verifier *crypto.Verifier, grace time.Duration, log zerolog.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Registry{
		locks:    NewKeyedMutex(),
		verifier: verifier,
		grace:    grace,
		log:      log.With().Str("component", "registry").Logger(),
		owners:   make(map[string]Conn),
		users:    make(map[string]string),
		pending:  make(map[string]*pendingArbitration),
	}
}

// Owner returns the current owning connection for userID, if any.
func (r *Registry) Owner(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.owners[userID]
	return c, ok
}

// Connect registers conn as a connection for userID. If the user already
// has an open owning connection, an arbitration is opened: the existing
// side is notified, conn optimistically becomes owner, and a grace-window
// timer forces resolution if neither side acts.
func (r *Registry) Connect(userID string, conn Conn) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	r.mu.Lock()
	existing, owned := r.owners[userID]
	r.mu.Unlock()

	if !owned || !existing.IsOpen() {
		r.setOwner(userID, conn)
		if owned {
			// Stale owner whose channel already closed; no arbitration needed.
			// Settle its gauge increment here, since its Disconnect can no
			// longer find the binding.
			r.forgetConn(existing.ID())
			metrics.ConnectionsActive.Dec()
		}
		metrics.ConnectionsActive.Inc()
		r.log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("connection registered")
		return
	}

	if existing.ID() == conn.ID() {
		return
	}

	// A prior unresolved arbitration for this user is superseded.
	if prev := r.takePending(userID); prev != nil {
		prev.timer.Stop()
		metrics.Arbitrations.WithLabelValues("superseded").Inc()
	}

	deadline := time.Now().Add(r.grace)
	p := &pendingArbitration{
		userID:   userID,
		existing: existing,
		next:     conn,
		deadline: deadline,
	}
	p.timer = time.AfterFunc(r.grace, func() { r.onGraceExpired(userID, p) })

	r.mu.Lock()
	r.pending[userID] = p
	r.mu.Unlock()

	// The new connection provisionally owns the user; the timer or an
	// explicit resolve settles it.
	r.setOwner(userID, conn)

	err := existing.Send(models.Event{
		Type: models.EventDuplicateLogin,
		Data: models.DuplicateLoginNotice{
			UserID:   userID,
			NewConn:  conn.Meta(),
			Deadline: deadline.UnixMilli(),
		},
	})
	if err != nil {
		r.log.Warn().Str("user_id", userID).Err(err).Msg("could not notify existing connection")
	}

	r.log.Info().
		Str("user_id", userID).
		Str("existing_conn", existing.ID()).
		Str("new_conn", conn.ID()).
		Dur("grace", r.grace).
		Msg("duplicate login, arbitration opened")
}

// onGraceExpired fires when neither side resolved within the grace window.
// The existing connection loses.
func (r *Registry) onGraceExpired(userID string, p *pendingArbitration) {
	unlock := r.locks.Lock(userID)
	defer unlock()

	// Only act if this exact arbitration is still live; an explicit resolve
	// or a superseding connect may have removed it already.
	r.mu.Lock()
	cur, ok := r.pending[userID]
	if !ok || cur != p {
		r.mu.Unlock()
		return
	}
	delete(r.pending, userID)
	r.mu.Unlock()

	r.terminate(p.existing, ReasonDuplicateLogin)
	metrics.Arbitrations.WithLabelValues("timeout").Inc()
	r.log.Info().Str("user_id", userID).Str("conn_id", p.existing.ID()).Msg("grace window expired, existing connection dropped")
}

// ResolveForceLogin settles an arbitration in favor of the new connection.
// The proof must bind to userID; a stale or mismatched proof rejects the
// command without touching registry state.
func (r *Registry) ResolveForceLogin(userID, proof string) error {
	if err := r.verifier.Verify(userID, proof); err != nil {
		return ErrUnauthorized
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	p := r.takePending(userID)
	if p == nil {
		return nil
	}
	p.timer.Stop()

	r.terminate(p.existing, ReasonForceLogout)
	metrics.Arbitrations.WithLabelValues("force_logout").Inc()
	r.log.Info().Str("user_id", userID).Msg("arbitration resolved: force login")
	return nil
}

// ResolveKeepExisting settles an arbitration in favor of the existing
// connection. Ownership is restored to it only if its channel is still open.
func (r *Registry) ResolveKeepExisting(userID, proof string) error {
	if err := r.verifier.Verify(userID, proof); err != nil {
		return ErrUnauthorized
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	p := r.takePending(userID)
	if p == nil {
		return nil
	}
	p.timer.Stop()

	r.terminate(p.next, ReasonKeepExisting)
	if p.existing.IsOpen() {
		r.setOwner(userID, p.existing)
	} else {
		r.clearOwner(userID, p.next.ID())
	}
	metrics.Arbitrations.WithLabelValues("keep_existing").Inc()
	r.log.Info().Str("user_id", userID).Msg("arbitration resolved: keep existing")
	return nil
}

// Disconnect removes a closed connection from the registry. It returns the
// userId the connection was bound to and whether the user still has an
// owning connection afterwards (true during arbitration hand-over).
func (r *Registry) Disconnect(connID string) (userID string, stillOwned bool) {
	r.mu.RLock()
	userID, bound := r.users[connID]
	r.mu.RUnlock()
	if !bound {
		return "", false
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	if p := r.pendingFor(userID); p != nil {
		switch connID {
		case p.next.ID():
			// The provisional winner vanished; hand ownership back if the
			// existing channel survived.
			r.removePending(userID, p)
			p.timer.Stop()
			r.forgetConn(connID)
			if p.existing.IsOpen() {
				r.setOwner(userID, p.existing)
				metrics.Arbitrations.WithLabelValues("disconnect").Inc()
				return userID, true
			}
			r.clearOwner(userID, connID)
			metrics.ConnectionsActive.Dec()
			return userID, false
		case p.existing.ID():
			// The new side is already provisional owner.
			r.removePending(userID, p)
			p.timer.Stop()
			r.forgetConn(connID)
			metrics.Arbitrations.WithLabelValues("disconnect").Inc()
			return userID, true
		}
	}

	r.forgetConn(connID)
	if r.clearOwner(userID, connID) {
		metrics.ConnectionsActive.Dec()
		r.log.Info().Str("user_id", userID).Str("conn_id", connID).Msg("connection unregistered")
		return userID, false
	}
	return userID, true
}

// terminate notifies a connection it lost and closes it.
func (r *Registry) terminate(conn Conn, reason string) {
	_ = conn.Send(models.Event{
		Type: models.EventSessionEnded,
		Data: models.SessionEnded{Reason: reason},
	})
	conn.Close(reason)
}

func (r *Registry) setOwner(userID string, conn Conn) {
	r.mu.Lock()
	r.owners[userID] = conn
	r.users[conn.ID()] = userID
	r.mu.Unlock()
}

// clearOwner removes the owner mapping only if connID is still the owner.
func (r *Registry) clearOwner(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.owners[userID]; ok && cur.ID() == connID {
		delete(r.owners, userID)
		return true
	}
	return false
}

func (r *Registry) forgetConn(connID string) {
	r.mu.Lock()
	delete(r.users, connID)
	r.mu.Unlock()
}

func (r *Registry) pendingFor(userID string) *pendingArbitration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending[userID]
}

// takePending atomically removes and returns the live arbitration.
func (r *Registry) takePending(userID string) *pendingArbitration {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[userID]
	delete(r.pending, userID)
	return p
}

func (r *Registry) removePending(userID string, p *pendingArbitration) {
	r.mu.Lock()
	if cur, ok := r.pending[userID]; ok && cur == p {
		delete(r.pending, userID)
	}
	r.mu.Unlock()
}
