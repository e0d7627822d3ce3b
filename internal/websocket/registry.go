package websocket

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"examrelay/internal/logging"
	"examrelay/internal/metrics"
	"examrelay/pkg/interfaces"
	"examrelay/pkg/types"
)

// Registry owns every live connection of one channel and its group memberships
// ARCHITECTURAL DISCOVERY: Connection tracking and group membership share one lock so
// register/unregister/join/leave are linearizable and no membership can outlive its
// connection; the raw maps never leave this type
type Registry struct {
	channel string
	policy  AccessPolicy
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu          sync.RWMutex                                 // TECHNICAL DISCOVERY: RWMutex optimizes for read-heavy dispatch
	connections map[types.ConnectionID]interfaces.Connection // id -> connection
	byPrincipal map[string][]types.ConnectionID              // principal -> ids in registration order
	groups      map[string]map[types.ConnectionID]struct{}   // group -> members
	memberships map[types.ConnectionID]map[string]struct{}   // id -> groups joined explicitly

	observers []func(types.ConnectionID)
}

// NewRegistry creates a registry for channel guarded by policy
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil map writes during concurrent operations
func NewRegistry(channel string, policy AccessPolicy, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if policy == nil {
		policy = AllowAnonymous{}
	}
	return &Registry{
		channel:     channel,
		policy:      policy,
		logger:      logging.OrNop(logger).Named("registry").With(zap.String("channel", channel)),
		metrics:     m,
		connections: make(map[types.ConnectionID]interfaces.Connection),
		byPrincipal: make(map[string][]types.ConnectionID),
		groups:      make(map[string]map[types.ConnectionID]struct{}),
		memberships: make(map[types.ConnectionID]map[string]struct{}),
	}
}

// Channel returns the channel this registry serves
func (r *Registry) Channel() string {
	return r.channel
}

// Admits evaluates the access policy without touching registry state
func (r *Registry) Admits(principal types.Principal) bool {
	return r.policy.Admit(principal)
}

// OnUnregister adds an observer called after a connection has been removed.
// Observers must not call back into the registry while holding their own locks.
func (r *Registry) OnUnregister(fn func(types.ConnectionID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Register adds an admitted connection
func (r *Registry) Register(conn interfaces.Connection) (types.ConnectionID, error) {
	if conn == nil {
		return "", ErrNilConnection
	}
	if !r.policy.Admit(conn.Principal()) {
		return "", interfaces.ErrUnauthorized
	}

	id := conn.ID()
	principal := conn.Principal()

	r.mu.Lock()
	if _, exists := r.connections[id]; exists {
		r.mu.Unlock()
		return "", ErrDuplicateConnection
	}
	r.connections[id] = conn
	if principal.ID != "" {
		r.byPrincipal[principal.ID] = append(r.byPrincipal[principal.ID], id)
	}
	total := len(r.connections)
	r.mu.Unlock()

	r.metrics.ConnectionOpened(r.channel)
	r.logger.Info("connection registered",
		zap.String("connection_id", string(id)),
		zap.String("principal", principal.ID),
		zap.Bool("authenticated", principal.Authenticated),
		zap.Int("connections", total))

	return id, nil
}

// Unregister removes a connection and every membership it held
// FUNCTIONAL DISCOVERY: Idempotent operation safe for concurrent unregistration
func (r *Registry) Unregister(id types.ConnectionID) {
	r.mu.Lock()
	conn, exists := r.connections[id]
	if !exists {
		r.mu.Unlock()
		return
	}

	delete(r.connections, id)

	if principalID := conn.Principal().ID; principalID != "" {
		ids := r.byPrincipal[principalID]
		for i, candidate := range ids {
			if candidate == id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(r.byPrincipal, principalID)
		} else {
			r.byPrincipal[principalID] = ids
		}
	}

	total := len(r.connections)
	observers := append([]func(types.ConnectionID){}, r.observers...)
	r.mu.Unlock()

	// TECHNICAL DISCOVERY: The id is gone from connections first, so a racing Join
	// is ignored and cannot re-add a membership after this sweep
	r.LeaveAll(id)

	r.metrics.ConnectionClosed(r.channel)
	r.logger.Info("connection unregistered",
		zap.String("connection_id", string(id)),
		zap.Int("connections", total))

	for _, fn := range observers {
		fn(id)
	}
}

// Lookup returns a live connection
func (r *Registry) Lookup(id types.ConnectionID) (interfaces.Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.connections[id]
	if !exists {
		return nil, interfaces.ErrConnectionNotFound
	}
	return conn, nil
}

// Join adds id to group. Unknown ids are logged and ignored since they lost a race with disconnect.
func (r *Registry) Join(id types.ConnectionID, group string) {
	if group == types.GroupAll {
		return // implicit membership
	}

	r.mu.Lock()
	if _, exists := r.connections[id]; !exists {
		r.mu.Unlock()
		r.logger.Debug("join ignored for unknown connection",
			zap.String("connection_id", string(id)), zap.String("group", group))
		return
	}

	joined := r.memberships[id]
	if joined == nil {
		joined = make(map[string]struct{})
		r.memberships[id] = joined
	}
	if _, already := joined[group]; already {
		r.mu.Unlock()
		return
	}
	joined[group] = struct{}{}

	members := r.groups[group]
	if members == nil {
		members = make(map[types.ConnectionID]struct{})
		r.groups[group] = members
	}
	members[id] = struct{}{}
	r.mu.Unlock()

	r.metrics.MembershipChanged(r.channel, "join")
	r.logger.Debug("joined group", zap.String("connection_id", string(id)), zap.String("group", group))
}

// Leave removes id from group; absent memberships are a no-op
func (r *Registry) Leave(id types.ConnectionID, group string) {
	if group == types.GroupAll {
		return
	}

	r.mu.Lock()
	removed := r.leaveLocked(id, group)
	r.mu.Unlock()

	if removed {
		r.metrics.MembershipChanged(r.channel, "leave")
		r.logger.Debug("left group", zap.String("connection_id", string(id)), zap.String("group", group))
	}
}

// LeaveAll drops every explicit membership of id. Unregister calls it; a live
// connection keeps its implicit "all" membership.
func (r *Registry) LeaveAll(id types.ConnectionID) {
	r.mu.Lock()
	left := len(r.memberships[id])
	r.leaveAllLocked(id)
	r.mu.Unlock()

	for i := 0; i < left; i++ {
		r.metrics.MembershipChanged(r.channel, "leave")
	}
}

func (r *Registry) leaveLocked(id types.ConnectionID, group string) bool {
	joined, ok := r.memberships[id]
	if !ok {
		return false
	}
	if _, member := joined[group]; !member {
		return false
	}

	delete(joined, group)
	if len(joined) == 0 {
		delete(r.memberships, id)
	}

	// TECHNICAL DISCOVERY: Groups exist only while they have members
	if members, exists := r.groups[group]; exists {
		delete(members, id)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	return true
}

func (r *Registry) leaveAllLocked(id types.ConnectionID) {
	for group := range r.memberships[id] {
		if members, exists := r.groups[group]; exists {
			delete(members, id)
			if len(members) == 0 {
				delete(r.groups, group)
			}
		}
	}
	delete(r.memberships, id)
}

// MembersOf snapshots a group. "all" resolves to every live connection.
// Callers must tolerate members disconnecting right after the snapshot.
func (r *Registry) MembersOf(group string) []types.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if group == types.GroupAll {
		ids := make([]types.ConnectionID, 0, len(r.connections))
		for id := range r.connections {
			ids = append(ids, id)
		}
		return ids
	}

	members := r.groups[group]
	ids := make([]types.ConnectionID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// PrincipalConnection returns the most recently registered live connection of a principal
func (r *Registry) PrincipalConnection(principalID string) (types.ConnectionID, bool) {
	if principalID == "" {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byPrincipal[principalID]
	if len(ids) == 0 {
		return "", false
	}
	return ids[len(ids)-1], true
}

// Groups lists the groups id belongs to, "all" included, sorted
func (r *Registry) Groups(id types.ConnectionID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.connections[id]; !exists {
		return nil
	}

	groups := []string{types.GroupAll}
	for group := range r.memberships[id] {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// GetStats returns registry statistics for the health endpoint
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"principals":        len(r.byPrincipal),
		"groups":            len(r.groups),
	}
}

// CloseAll closes every live connection; each handler then unregisters its own.
// http.Server.Shutdown does not touch hijacked connections, so this is the
// shutdown path for sockets.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]interfaces.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Debug("close during shutdown", zap.String("connection_id", string(conn.ID())), zap.Error(err))
		}
	}
	return len(conns)
}
