package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"careflow/internal/logging"
	"careflow/internal/membership"
	"careflow/internal/router"
	"careflow/internal/websocket"
	"careflow/pkg/interfaces"
	"careflow/pkg/types"
)

var _ interfaces.Gateway = (*Hub)(nil)

type commandKind int

const (
	cmdRegister commandKind = iota + 1
	cmdUnregister
	cmdControl
	cmdPublish
	cmdSync
)

// command is one unit of work for the event loop. Every lifecycle event,
// membership change and broadcast goes through the same queue, so the
// commands of a single connection are applied in the order they were sent.
type command struct {
	kind     commandKind
	conn     interfaces.Connection
	connID   string
	control  types.ControlMessage
	mutation interfaces.Mutation
	action   *types.ClinicalAction
	at       time.Time
	done     chan struct{}
}

// Options tune the hub. Zero values pick defaults.
type Options struct {
	QueueSize        int
	ControlRateLimit int
}

// Hub is the event gateway: it owns the registry and the membership table
// and is the only component that writes to client connections.
type Hub struct {
	commands chan command
	shutdown chan struct{}
	stopped  chan struct{}

	registry *websocket.Registry
	members  *membership.Manager
	router   *router.Router
	limiter  *RateLimiter
	log      *zap.Logger
	now      func() time.Time

	running bool
	mu      sync.RWMutex
}

// NewHub wires the gateway around its collaborators.
func NewHub(registry *websocket.Registry, members *membership.Manager, r *router.Router, opts Options, logger *zap.Logger) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	return &Hub{
		commands: make(chan command, opts.QueueSize),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
		registry: registry,
		members:  members,
		router:   r,
		limiter:  NewRateLimiter(opts.ControlRateLimit),
		log:      logging.Component(logger, "hub"),
		now:      time.Now,
	}
}

// Start launches the event loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdown:
		return ErrHubNotRunning
	default:
	}
	h.running = true

	h.log.Info("starting event gateway")
	go h.run(ctx)
	return nil
}

// Stop ends the event loop and closes every live connection.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.stopped
	for _, conn := range h.registry.All() {
		h.drop(conn)
		_ = conn.Close()
	}
	h.log.Info("event gateway stopped")
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Register queues a freshly authenticated connection.
func (h *Hub) Register(conn interfaces.Connection) error {
	if conn == nil {
		return websocket.ErrNilConnection
	}
	return h.enqueue(command{kind: cmdRegister, conn: conn})
}

// Unregister removes the connection from the registry and from every room.
// When the loop is not running the removal is applied directly.
func (h *Hub) Unregister(conn interfaces.Connection) error {
	if conn == nil {
		return websocket.ErrNilConnection
	}
	if !h.isRunning() {
		h.drop(conn)
		return nil
	}
	if err := h.enqueue(command{kind: cmdUnregister, conn: conn}); err != nil {
		h.drop(conn)
	}
	return nil
}

// Control queues a membership command. It is best effort: when the queue
// is full the message is dropped and the client gets an error event telling
// it to resend.
func (h *Hub) Control(connID string, msg types.ControlMessage) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.commands <- command{kind: cmdControl, connID: connID, control: msg}:
		return nil
	default:
		if conn, ok := h.registry.Get(connID); ok {
			h.reject(conn, msg, ErrCommandQueueFull.Error())
		}
		return ErrCommandQueueFull
	}
}

// Publish queues an action snapshot for broadcast. Callers must publish
// mutations of the same action in commit order; the queue keeps that order.
func (h *Hub) Publish(kind interfaces.Mutation, action *types.ClinicalAction) error {
	if action == nil {
		return ErrNilAction
	}
	switch kind {
	case interfaces.MutationCreated, interfaces.MutationStatusChanged, interfaces.MutationNoteAdded:
	default:
		return ErrUnknownMutation
	}
	return h.enqueue(command{kind: cmdPublish, mutation: kind, action: action.Clone(), at: h.now()})
}

// Sync blocks until every command queued before it has been processed.
func (h *Hub) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := h.enqueue(command{kind: cmdSync, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats merges registry and membership counters.
func (h *Hub) Stats() map[string]int {
	stats := h.registry.GetStats()
	for k, v := range h.members.Stats() {
		stats[k] = v
	}
	return stats
}

// Subscriptions reports the rooms of every live connection of a user,
// ordered by connection ID.
func (h *Hub) Subscriptions(userID string) []types.Subscription {
	conns := h.registry.UserConnections(userID)
	out := make([]types.Subscription, 0, len(conns))
	for _, conn := range conns {
		names := lo.Map(h.members.RoomsOf(conn.ID()), func(room types.RoomID, _ int) string {
			return room.String()
		})
		out = append(out, types.Subscription{ConnectionID: conn.ID(), Rooms: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// RoomSize counts the connections currently in a room.
func (h *Hub) RoomSize(room types.RoomID) int {
	return len(h.members.MembersOf(room))
}

// enqueue blocks until the command is accepted or the hub shuts down.
func (h *Hub) enqueue(cmd command) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	select {
	case h.commands <- cmd:
		return nil
	case <-h.shutdown:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)
	defer h.log.Info("event loop exited")

	for {
		select {
		case cmd := <-h.commands:
			h.handle(cmd)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			if h.running {
				h.running = false
				close(h.shutdown)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) handle(cmd command) {
	switch cmd.kind {
	case cmdRegister:
		h.handleRegister(cmd.conn)
	case cmdUnregister:
		h.drop(cmd.conn)
	case cmdControl:
		h.handleControl(cmd.connID, cmd.control)
	case cmdPublish:
		h.handlePublish(cmd.mutation, cmd.action, cmd.at)
	case cmdSync:
		close(cmd.done)
	}
}

func (h *Hub) handleRegister(conn interfaces.Connection) {
	if err := h.registry.Register(conn); err != nil {
		h.log.Warn("connection registration failed", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
		return
	}
	identity := conn.Identity()
	h.log.Debug("connection registered",
		zap.String("conn_id", conn.ID()),
		zap.String("user_id", identity.UserID),
		zap.String("role", string(identity.Role)))
}

// drop must leave no membership behind for conn.
func (h *Hub) drop(conn interfaces.Connection) {
	if !h.registry.Unregister(conn) {
		return
	}
	rooms := h.members.DropConnection(conn.ID())
	h.limiter.Forget(conn.ID())
	h.log.Debug("connection dropped", zap.String("conn_id", conn.ID()), zap.Int("rooms_left", rooms))
}

// handleControl never fails the process: unknown types and malformed room
// requests are logged and answered with an error event.
func (h *Hub) handleControl(connID string, msg types.ControlMessage) {
	conn, ok := h.registry.Get(connID)
	if !ok {
		// Raced with a disconnect; joining now would leave a dangling membership.
		h.log.Debug("control message for unknown connection", zap.String("conn_id", connID))
		return
	}
	if !h.limiter.Allow(connID) {
		h.reject(conn, msg, ErrRateLimitExceeded.Error())
		return
	}

	switch msg.Type {
	case types.ControlJoinPatient:
		if !types.IsValidPatientID(msg.PatientID) {
			h.reject(conn, msg, types.ErrInvalidPatientID.Error())
			return
		}
		h.members.Join(connID, types.PatientRoom(msg.PatientID))
	case types.ControlLeavePatient:
		if !types.IsValidPatientID(msg.PatientID) {
			h.reject(conn, msg, types.ErrInvalidPatientID.Error())
			return
		}
		h.members.Leave(connID, types.PatientRoom(msg.PatientID))
	case types.ControlJoinRoleRoom:
		// The role room is always the connection's own role.
		h.members.Join(connID, types.RoleRoom(conn.Identity().Role))
	default:
		h.reject(conn, msg, "unknown control message type")
		return
	}

	h.log.Debug("control message applied",
		zap.String("conn_id", connID),
		zap.String("type", msg.Type),
		zap.String("patient_id", msg.PatientID))
}

func (h *Hub) reject(conn interfaces.Connection, msg types.ControlMessage, reason string) {
	h.log.Info("control message ignored",
		zap.String("conn_id", conn.ID()),
		zap.String("type", msg.Type),
		zap.String("reason", reason))
	_ = conn.Send(types.Event{
		Name: types.EventError,
		Data: map[string]string{"type": msg.Type, "message": reason},
	})
}

func (h *Hub) handlePublish(kind interfaces.Mutation, action *types.ClinicalAction, at time.Time) {
	events := []types.Event{types.ActionUpdated(action)}
	if kind == interfaces.MutationStatusChanged {
		events = append(events, types.ActionStatusChanged(action, at))
	}

	for _, event := range events {
		deliveries, err := h.router.Route(event, action)
		if err != nil {
			h.log.Warn("action not routable", zap.String("action_id", action.ID), zap.Error(err))
			return
		}
		sent := h.deliver(event, router.Recipients(deliveries, h.members.MembersOf))
		h.log.Debug("event broadcast",
			zap.String("event", event.Name),
			zap.String("mutation", kind.String()),
			zap.String("action_id", action.ID),
			zap.Int("rooms", len(deliveries)),
			zap.Int("recipients", sent))
	}
}

// deliver is fire-and-forget; a recipient gone or too slow simply misses it.
func (h *Hub) deliver(event types.Event, connIDs []string) int {
	sent := 0
	for _, connID := range connIDs {
		conn, ok := h.registry.Get(connID)
		if !ok {
			continue
		}
		if err := conn.Send(event); err != nil {
			h.log.Debug("delivery skipped", zap.String("conn_id", connID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
