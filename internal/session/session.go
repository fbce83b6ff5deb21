// Package session implements the per-session runtime: the lifecycle state
// machine, the ordered sequencer that serializes consumer commands, backend
// messages, and policy commands, the consumer broadcaster with bounded
// per-consumer delivery, the outbound message queue, the slash-command chain,
// and the permission-request plane.
//
// A Runtime owns its BackendSession exclusively. All mutable session state is
// owned by one sequencer goroutine; the exported methods hand work to it and
// never touch that state directly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/adapter"
	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/metrics"
	"github.com/parley-ai/parley/internal/ring"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/schema"
)

var (
	// ErrSessionClosed is returned for operations on a session that has
	// reached or is reaching its terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoBackend is returned when a send is attempted with no live
	// backend session bound.
	ErrNoBackend = errors.New("no backend attached")
)

const (
	defaultHistorySize = 500
	defaultReplayLimit = 100
	intakeBuffer       = 64
	persistTimeout     = 5 * time.Second
)

// NewSessionID allocates an externally visible session id.
func NewSessionID() string {
	return "s-" + uuid.NewString()
}

func newQueueID() string {
	return "q-" + uuid.NewString()
}

func newPermissionID() string {
	return "perm-" + uuid.NewString()
}

func newHistory(size int) *ring.Buffer[schema.Message] {
	return ring.New[schema.Message](size)
}

// Params configures a Runtime.
type Params struct {
	ID      string
	Adapter adapter.Adapter
	Bus     *eventbus.Bus
	Storage store.SessionStorage
	Metrics *metrics.Recorder
	Logger  *slog.Logger

	Cwd    string
	Model  string
	Resume string

	HistorySize int
	ReplayLimit int

	// Restore seeds the runtime from a persisted snapshot. A restored
	// session starts degraded (its backend died with the previous daemon)
	// and waits for a reconnect. RestoreDetail explains why.
	Restore       *schema.Snapshot
	RestoreDetail string
}

// Runtime is the per-session sequencer. It is the sole mutator of lifecycle
// state; every input (consumer command, backend message, policy command)
// funnels through one ordered intake and is processed by a single goroutine.
type Runtime struct {
	id      string
	kind    schema.AdapterKind
	adapter adapter.Adapter
	caps    schema.Capabilities

	bus     *eventbus.Bus
	storage store.SessionStorage
	metrics *metrics.Recorder
	logger  *slog.Logger

	createdAt   time.Time
	cwd         string
	historySize int
	replayLimit int

	state        atomic.Value // schema.State
	info         atomic.Value // schema.SessionInfo
	lastActivity atomic.Int64 // unix nanos

	ctx    context.Context
	cancel context.CancelFunc
	intake chan func()
	done   chan struct{}

	// Everything below is owned by the sequencer goroutine.
	backend         adapter.BackendSession
	backendMsgs     <-chan *schema.Message
	connecting      bool
	turnOpen        bool
	seq             uint64
	history         *ring.Buffer[schema.Message]
	consumers       map[string]*consumer
	queue           []schema.QueuedMessage
	pendingPerms    map[string]schema.PermissionRequest
	pendingSlashCmd *pendingSlash
	advertised      map[string]bool
	team            *schema.TeamState
	model           string
	permissionMode  string
	nativeHandle    string
	resume          string
	pid             int
	archived        bool
	updatedAt       time.Time
}

// New builds a Runtime and starts its sequencer. Fresh sessions begin in
// starting; restored ones in degraded.
func New(p Params) *Runtime {
	if p.ID == "" {
		p.ID = NewSessionID()
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := p.Bus
	if bus == nil {
		bus = eventbus.New()
	}
	historySize := p.HistorySize
	if historySize <= 0 {
		historySize = defaultHistorySize
	}
	replayLimit := p.ReplayLimit
	if replayLimit <= 0 {
		replayLimit = defaultReplayLimit
	}
	if replayLimit > historySize {
		replayLimit = historySize
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	r := &Runtime{
		id:           p.ID,
		adapter:      p.Adapter,
		bus:          bus,
		storage:      p.Storage,
		metrics:      p.Metrics,
		logger:       logger.With("component", "session", "session_id", p.ID),
		createdAt:    now,
		updatedAt:    now,
		cwd:          p.Cwd,
		model:        p.Model,
		resume:       p.Resume,
		historySize:  historySize,
		replayLimit:  replayLimit,
		ctx:          ctx,
		cancel:       cancel,
		intake:       make(chan func(), intakeBuffer),
		done:         make(chan struct{}),
		history:      newHistory(historySize),
		consumers:    make(map[string]*consumer),
		pendingPerms: make(map[string]schema.PermissionRequest),
		advertised:   make(map[string]bool),
	}
	if p.Adapter != nil {
		r.kind = p.Adapter.Name()
		r.caps = p.Adapter.Capabilities()
	}
	r.state.Store(schema.StateStarting)
	r.touch()
	if p.Restore != nil {
		r.adopt(p.Restore, p.RestoreDetail)
	}
	r.publishInfo()
	go r.run()
	return r
}

// adopt seeds the runtime from a persisted snapshot. Runs before the
// sequencer goroutine starts.
func (r *Runtime) adopt(snap *schema.Snapshot, detail string) {
	r.createdAt = snap.CreatedAt
	r.cwd = snap.Cwd
	if snap.Model != "" {
		r.model = snap.Model
	}
	r.nativeHandle = snap.NativeHandle
	if r.resume == "" {
		r.resume = snap.NativeHandle
	}
	r.archived = snap.Archived
	for _, m := range snap.MessageHistory {
		r.history.Append(m)
		if seq, ok := parseMessageSeq(m.ID); ok && seq > r.seq {
			r.seq = seq
		}
	}
	r.queue = append(r.queue, snap.PendingMessages...)
	for _, p := range snap.PendingPermissions {
		r.pendingPerms[p.RequestID] = p
	}
	r.state.Store(schema.StateDegraded)
	if detail == "" {
		detail = "restored from snapshot"
	}
	sc := schema.NewStatusChange("", schema.StateDegraded, detail)
	r.record(&sc)
}

// ID returns the session id.
func (r *Runtime) ID() string { return r.id }

// Kind returns the adapter kind backing this session.
func (r *Runtime) Kind() schema.AdapterKind { return r.kind }

// State returns the current lifecycle state. Safe from any goroutine.
func (r *Runtime) State() schema.State {
	return r.state.Load().(schema.State)
}

// Info returns a point-in-time view of the session for listings. Safe from
// any goroutine.
func (r *Runtime) Info() schema.SessionInfo {
	return r.info.Load().(schema.SessionInfo)
}

// LastActivity reports the last backend or consumer-command activity. The
// idle policy reads it to pick reap candidates.
func (r *Runtime) LastActivity() time.Time {
	return time.Unix(0, r.lastActivity.Load())
}

// Done is closed when the sequencer has fully stopped.
func (r *Runtime) Done() <-chan struct{} { return r.done }

func (r *Runtime) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// run is the sequencer: one input at a time, in arrival order.
func (r *Runtime) run() {
	defer close(r.done)
	for {
		select {
		case fn := <-r.intake:
			fn()
		case msg, ok := <-r.backendMsgs:
			if !ok {
				r.backendMsgs = nil
				r.handleBackendGone()
			} else {
				r.handleBackendMessage(msg)
			}
		}
		r.publishInfo()
		if r.State() == schema.StateClosed {
			return
		}
	}
}

// post hands fn to the sequencer. It returns false once the session has
// fully closed.
func (r *Runtime) post(fn func()) bool {
	select {
	case r.intake <- fn:
		return true
	case <-r.done:
		return false
	}
}

// call posts fn and waits until the sequencer has run it.
func (r *Runtime) call(fn func()) error {
	ran := make(chan struct{})
	if !r.post(func() { fn(); close(ran) }) {
		return ErrSessionClosed
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrSessionClosed
	}
}

func (r *Runtime) publishInfo() {
	r.info.Store(schema.SessionInfo{
		ID:         r.id,
		Adapter:    r.kind,
		State:      r.State(),
		CreatedAt:  r.createdAt,
		UpdatedAt:  r.updatedAt,
		Cwd:        r.cwd,
		Model:      r.model,
		Consumers:  len(r.consumers),
		QueueDepth: len(r.queue),
		HistoryLen: r.history.Len(),
		PID:        r.pid,
		Archived:   r.archived,
	})
}

// transition moves the lifecycle state, records a status_change, and
// publishes the state event. Illegal moves leave the state untouched and
// emit an invalid-transition diagnostic instead.
func (r *Runtime) transition(to schema.State, detail string) bool {
	return r.transitionMeta(to, detail, "")
}

func (r *Runtime) transitionMeta(to schema.State, detail, errorCode string) bool {
	from := r.State()
	if !from.CanTransition(to) {
		r.logger.Warn("invalid lifecycle transition", "from", string(from), "to", string(to))
		r.bus.PublishType(eventbus.SessionInvalidTransition, map[string]any{
			"session_id": r.id,
			"from":       from,
			"to":         to,
		})
		return false
	}
	if from == to {
		return true
	}
	r.state.Store(to)
	r.updatedAt = time.Now()
	r.bus.PublishType(eventbus.SessionState, map[string]any{
		"session_id": r.id,
		"from":       from,
		"to":         to,
	})
	sc := schema.NewStatusChange("", to, detail)
	if errorCode != "" {
		sc.WithMeta("error_code", errorCode)
	}
	r.record(&sc)
	r.persist()
	return true
}

// record stamps a message into the session: monotonic id, session id,
// history append, broadcast to all consumers.
func (r *Runtime) record(msg *schema.Message) {
	r.seq++
	msg.ID = schema.MessageID(r.seq)
	msg.SessionID = r.id
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	r.history.Append(*msg)
	r.metrics.MessageRecorded(string(msg.Type))
	r.broadcast(msg)
}

// broadcast fans a message out to every consumer. A consumer whose buffer is
// saturated with undroppable messages is detached as slow.
func (r *Runtime) broadcast(msg *schema.Message) {
	for id, c := range r.consumers {
		if c.enqueue(msg) {
			continue
		}
		r.logger.Warn("consumer too slow, dropping connection", "consumer_id", id)
		delete(r.consumers, id)
		c.shutdown(false)
		r.metrics.ConsumerDetached()
		r.bus.PublishType(eventbus.ConsumerDisconnected, map[string]any{
			"session_id":  r.id,
			"consumer_id": id,
			"reason":      "slow",
			"consumers":   len(r.consumers),
		})
	}
}

// sendToBackend forwards a message to the backend session. User messages
// open a turn. No sends happen at or past closing.
func (r *Runtime) sendToBackend(msg *schema.Message) error {
	if r.backend == nil {
		return ErrNoBackend
	}
	switch r.State() {
	case schema.StateClosing, schema.StateClosed:
		return ErrSessionClosed
	}
	msg.SessionID = r.id
	if err := r.backend.Send(r.ctx, msg); err != nil {
		return err
	}
	if msg.Type == schema.TypeUser {
		r.turnOpen = true
	}
	return nil
}

func (r *Runtime) canSendToBackend() bool {
	if r.backend == nil {
		return false
	}
	switch r.State() {
	case schema.StateActive, schema.StateIdle:
		return true
	}
	return false
}

// Connect establishes the backend session through the adapter. It returns
// immediately; the result is applied on the sequencer. Reconnecting a
// degraded session is the same call.
func (r *Runtime) Connect() {
	r.post(func() { r.startConnect() })
}

func (r *Runtime) startConnect() {
	if r.adapter == nil {
		r.logger.Warn("connect requested but session has no adapter")
		return
	}
	if r.connecting || r.backend != nil {
		return
	}
	switch st := r.State(); st {
	case schema.StateClosing, schema.StateClosed:
		return
	case schema.StateDegraded:
		if !r.transition(schema.StateAwaitingBackend, "reconnecting to backend") {
			return
		}
	}
	r.connecting = true
	req := adapter.ConnectRequest{
		SessionID: r.id,
		Cwd:       r.cwd,
		Model:     r.model,
		Resume:    r.resume,
	}
	go func() {
		sess, err := r.adapter.Connect(r.ctx, req)
		if err != nil {
			r.post(func() {
				r.connecting = false
				r.backendConnectFailed(err)
			})
			return
		}
		if !r.post(func() {
			r.connecting = false
			r.bindBackend(sess)
		}) {
			_ = sess.Close()
		}
	}()
}

// backendConnectFailed handles an adapter.Connect error. A session that
// never had a backend is closed: the reconnect policy already spent its
// relaunch budget inside the adapter's delivery window. A reconnecting
// session falls back to degraded.
func (r *Runtime) backendConnectFailed(err error) {
	r.logger.Error("backend connect failed", "error", err)
	r.metrics.AdapterError(string(r.kind), string(schema.ErrorKindProcess))
	em := schema.NewErrorMessage("", schema.ErrorKindProcess, "backend connect failed: "+err.Error())
	r.record(&em)
	switch r.State() {
	case schema.StateStarting:
		r.handleClose("backend never connected")
	case schema.StateAwaitingBackend:
		r.transitionMeta(schema.StateDegraded, "backend reconnect failed", string(schema.ErrorKindProcess))
	}
}

// bindBackend adopts a live backend session. A session arriving while one is
// already bound supersedes it: the old transport is closed and the new one
// takes over.
func (r *Runtime) bindBackend(sess adapter.BackendSession) {
	switch r.State() {
	case schema.StateClosing, schema.StateClosed:
		_ = sess.Close()
		return
	}
	if r.backend != nil {
		r.logger.Info("superseding live backend session")
		old := r.backend
		r.backend = nil
		_ = old.Close()
	}
	r.backend = sess
	r.backendMsgs = sess.Messages()
	r.turnOpen = false
	if pb, ok := sess.(adapter.ProcessBacked); ok {
		r.pid = pb.Pid()
	}
	r.bus.PublishType(eventbus.BackendConnected, map[string]any{
		"session_id": r.id,
		"adapter":    r.kind,
		"pid":        r.pid,
	})
	switch r.State() {
	case schema.StateStarting, schema.StateDegraded:
		r.transition(schema.StateAwaitingBackend, "backend connected")
	}
	r.persist()
}

// BindBackend hands an externally established backend session to the
// runtime. The broker uses it when it drives adapter.Connect itself.
func (r *Runtime) BindBackend(sess adapter.BackendSession) error {
	return r.call(func() { r.bindBackend(sess) })
}

// handleBackendGone reacts to the backend message channel closing.
func (r *Runtime) handleBackendGone() {
	if r.backend != nil {
		_ = r.backend.Close()
		r.backend = nil
	}
	r.turnOpen = false
	r.failPendingSlash("backend disconnected before the command completed")
	st := r.State()
	r.bus.PublishType(eventbus.BackendDisconnected, map[string]any{
		"session_id": r.id,
		"state":      st,
	})
	switch st {
	case schema.StateClosing, schema.StateClosed:
		return
	}
	r.logger.Warn("backend disconnected", "state", string(st))
	r.transition(schema.StateDegraded, "backend disconnected")
	r.persist()
}

// isTurnFrame reports whether a backend frame implies a turn in progress.
func isTurnFrame(msg *schema.Message) bool {
	switch msg.Type {
	case schema.TypeAssistant, schema.TypeStreamEvent, schema.TypePermissionRequest, schema.TypeResult:
		return true
	}
	return false
}

// handleBackendMessage is receiveFromBackend: normalize lifecycle effects,
// correlate permissions, track team state, append to history, fan out.
func (r *Runtime) handleBackendMessage(msg *schema.Message) {
	r.touch()

	switch r.State() {
	case schema.StateAwaitingBackend:
		r.transition(schema.StateActive, "backend ready")
		if !r.releaseQueueHead() && !r.turnOpen && !isTurnFrame(msg) {
			r.transition(schema.StateIdle, "")
		}
	case schema.StateIdle:
		if isTurnFrame(msg) {
			r.transition(schema.StateActive, "")
		}
	}

	if h := msg.MetaString("native_session_id"); h != "" && h != r.nativeHandle {
		r.nativeHandle = h
		r.resume = h
	}

	switch msg.Type {
	case schema.TypePermissionRequest:
		r.handlePermissionRequest(msg)
		return
	case schema.TypeTeamEvent:
		r.handleTeamEvent(msg)
		return
	case schema.TypeError:
		r.handleBackendError(msg)
		return
	case schema.TypeSystem:
		r.trackAdvertisedCommands(msg)
		if msg.MetaString("subtype") == "permission_cancelled" {
			r.cancelPermission(msg.MetaString("request_id"))
		}
	}

	r.record(msg)

	switch msg.Type {
	case schema.TypeAssistant:
		r.resolvePendingSlash(msg)
	case schema.TypeResult:
		r.handleResult()
	}
}

// handleResult ends the turn: release the next queued message or go idle.
func (r *Runtime) handleResult() {
	r.turnOpen = false
	r.failPendingSlash("command completed without a reply")
	if r.releaseQueueHead() {
		return
	}
	if r.State() == schema.StateActive {
		r.transition(schema.StateIdle, "")
	}
	r.persist()
}

// handleBackendError applies the error taxonomy dispositions.
func (r *Runtime) handleBackendError(msg *schema.Message) {
	kind := schema.ErrorKind(msg.MetaString("error_code"))
	r.metrics.AdapterError(string(r.kind), string(kind))
	switch kind {
	case schema.ErrorKindProviderAuth:
		r.record(msg)
		r.logger.Error("backend provider auth failure", "error", msg.Text())
		if st := r.State(); st != schema.StateDegraded && st.CanTransition(schema.StateDegraded) {
			r.transitionMeta(schema.StateDegraded, "provider authentication failed", string(kind))
		}
	case schema.ErrorKindRateLimit:
		msg.WithMeta("severity", "warning")
		r.record(msg)
		r.logger.Warn("backend rate limited", "error", msg.Text())
	default:
		r.record(msg)
		r.logger.Warn("backend error", "kind", string(kind), "error", msg.Text())
	}
}

// IngestInbound validates and enqueues one consumer command.
func (r *Runtime) IngestInbound(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	switch r.State() {
	case schema.StateClosing, schema.StateClosed:
		return ErrSessionClosed
	}
	if !r.post(func() { r.handleCommand(cmd) }) {
		return ErrSessionClosed
	}
	return nil
}

func (r *Runtime) handleCommand(cmd Command) {
	switch r.State() {
	case schema.StateClosing, schema.StateClosed:
		return
	}
	r.touch()
	switch cmd.Type {
	case CommandUserMessage:
		r.handleUserMessage(cmd)
	case CommandQueueMessage:
		r.enqueueMessage(cmd)
	case CommandUpdateQueued:
		r.updateQueued(cmd)
	case CommandCancelQueued:
		r.cancelQueued(cmd)
	case CommandSlash:
		r.handleSlashCommand(cmd)
	case CommandPermissionResponse:
		r.handlePermissionResponse(cmd)
	case CommandInterrupt:
		r.handleInterrupt(cmd)
	case CommandConfigChange:
		r.handleConfigChange(cmd)
	}
}

// handleUserMessage sends directly when the backend sits idle; anything else
// waits in the queue.
func (r *Runtime) handleUserMessage(cmd Command) {
	if r.State() == schema.StateIdle && r.backend != nil {
		msg := schema.Message{
			Type:      schema.TypeUser,
			Role:      schema.RoleUser,
			Blocks:    cmd.blocks(),
			Timestamp: time.Now(),
		}
		msg.WithMeta("author", cmd.Author)
		r.record(&msg)
		if err := r.sendToBackend(&msg); err != nil {
			r.logger.Warn("backend send failed", "error", err)
			em := schema.NewErrorMessage("", schema.ErrorKindAPIError, "backend send failed: "+err.Error())
			r.record(&em)
			return
		}
		r.transition(schema.StateActive, "")
		return
	}
	r.enqueueMessage(cmd)
}

func (r *Runtime) enqueueMessage(cmd Command) {
	qm := schema.QueuedMessage{
		ID:       newQueueID(),
		Author:   cmd.Author,
		Blocks:   cmd.blocks(),
		QueuedAt: time.Now(),
	}
	r.queue = append(r.queue, qm)
	r.metrics.QueueDepth(1)
	r.queueEvent("message_queued", qm)
	r.persist()
}

func (r *Runtime) updateQueued(cmd Command) {
	for i := range r.queue {
		if r.queue[i].ID != cmd.MessageID {
			continue
		}
		if r.queue[i].Author != cmd.Author {
			r.rejectCommand(cmd, "only the original author may update a queued message")
			return
		}
		r.queue[i].Blocks = cmd.blocks()
		r.queueEvent("queued_message_updated", r.queue[i])
		r.persist()
		return
	}
	r.rejectCommand(cmd, "queued message not found: "+cmd.MessageID)
}

func (r *Runtime) cancelQueued(cmd Command) {
	for i := range r.queue {
		if r.queue[i].ID != cmd.MessageID {
			continue
		}
		if r.queue[i].Author != cmd.Author {
			r.rejectCommand(cmd, "only the original author may cancel a queued message")
			return
		}
		qm := r.queue[i]
		r.queue = append(r.queue[:i], r.queue[i+1:]...)
		r.metrics.QueueDepth(-1)
		r.queueEvent("queued_message_cancelled", qm)
		r.persist()
		return
	}
	r.rejectCommand(cmd, "queued message not found: "+cmd.MessageID)
}

// releaseQueueHead sends the oldest queued message to the backend. Returns
// true when a message went out (a new turn is open).
func (r *Runtime) releaseQueueHead() bool {
	if len(r.queue) == 0 || r.backend == nil {
		return false
	}
	head := r.queue[0]
	msg := schema.Message{
		Type:      schema.TypeUser,
		Role:      schema.RoleUser,
		Blocks:    head.Blocks,
		Timestamp: time.Now(),
	}
	msg.WithMeta("author", head.Author)
	msg.WithMeta("queued_id", head.ID)
	if err := r.sendToBackend(&msg); err != nil {
		r.logger.Warn("queued message send failed", "queued_id", head.ID, "error", err)
		em := schema.NewErrorMessage("", schema.ErrorKindAPIError, "queued message send failed: "+err.Error())
		r.record(&em)
		return false
	}
	r.queue = r.queue[1:]
	r.metrics.QueueDepth(-1)
	r.queueEvent("queued_message_sent", head)
	r.record(&msg)
	r.bus.PublishType(eventbus.QueueMessageSent, map[string]any{
		"session_id": r.id,
		"queued_id":  head.ID,
		"author":     head.Author,
	})
	r.persist()
	return true
}

// queueEvent announces a queue mutation to consumers as a system message.
func (r *Runtime) queueEvent(subtype string, qm schema.QueuedMessage) {
	msg := schema.Message{Type: schema.TypeSystem, Role: schema.RoleSystem, Timestamp: time.Now()}
	msg.WithMeta("subtype", subtype)
	msg.WithMeta("queued_id", qm.ID)
	msg.WithMeta("author", qm.Author)
	msg.WithMeta("queue_depth", len(r.queue))
	r.record(&msg)
}

// rejectCommand reports a bad command to its issuer only; other consumers
// never see it.
func (r *Runtime) rejectCommand(cmd Command, reason string) {
	r.logger.Warn("command rejected", "type", cmd.Type, "reason", reason)
	c, ok := r.consumers[cmd.ConsumerID]
	if !ok {
		return
	}
	r.seq++
	msg := schema.NewErrorMessage(schema.MessageID(r.seq), schema.ErrorKindProtocol, reason)
	msg.SessionID = r.id
	msg.WithMeta("command", cmd.Type)
	if cmd.RequestID != "" {
		msg.WithMeta("request_id", cmd.RequestID)
	}
	c.enqueue(&msg)
}

// handlePermissionRequest gives the request a stable id, tracks it, and fans
// it out. Pending entries survive consumer churn.
func (r *Runtime) handlePermissionRequest(msg *schema.Message) {
	reqID := msg.MetaString("request_id")
	if reqID == "" {
		reqID = newPermissionID()
		msg.WithMeta("request_id", reqID)
	}
	if _, dup := r.pendingPerms[reqID]; dup {
		r.logger.Warn("duplicate permission request dropped", "request_id", reqID)
		return
	}
	var input json.RawMessage
	switch v := msg.Meta("input").(type) {
	case json.RawMessage:
		input = v
	case nil:
	default:
		if b, err := json.Marshal(v); err == nil {
			input = b
		}
	}
	r.pendingPerms[reqID] = schema.PermissionRequest{
		RequestID: reqID,
		Tool:      msg.MetaString("tool"),
		Input:     input,
		CreatedAt: time.Now(),
	}
	r.record(msg)
	r.persist()
}

// handlePermissionResponse validates the request id, removes the pending
// entry, and acknowledges to the backend exactly once. Unknown ids produce
// no backend traffic.
func (r *Runtime) handlePermissionResponse(cmd Command) {
	resp := cmd.permissionResponse()
	if _, ok := r.pendingPerms[resp.RequestID]; !ok {
		r.logger.Warn("permission response for unknown request", "request_id", resp.RequestID)
		return
	}
	delete(r.pendingPerms, resp.RequestID)
	if r.backend == nil {
		r.logger.Warn("permission response with no backend", "request_id", resp.RequestID)
	} else if ph, ok := r.backend.(adapter.PermissionHandler); !ok {
		r.logger.Warn("backend does not route permissions", "request_id", resp.RequestID)
	} else if err := ph.RespondPermission(r.ctx, resp); err != nil {
		r.logger.Warn("permission respond failed", "request_id", resp.RequestID, "error", err)
		em := schema.NewErrorMessage("", schema.ErrorKindAPIError, "permission response failed: "+err.Error())
		r.record(&em)
	}
	echo := schema.Message{Type: schema.TypePermissionResponse, Role: schema.RoleUser, Timestamp: time.Now()}
	echo.WithMeta("request_id", resp.RequestID)
	echo.WithMeta("behavior", string(resp.Behavior))
	echo.WithMeta("author", cmd.Author)
	r.record(&echo)
	r.persist()
}

// cancelPermission drops a pending request the backend withdrew.
func (r *Runtime) cancelPermission(reqID string) {
	if reqID == "" {
		return
	}
	if _, ok := r.pendingPerms[reqID]; ok {
		delete(r.pendingPerms, reqID)
		r.persist()
	}
}

func (r *Runtime) handleInterrupt(cmd Command) {
	in, ok := r.backend.(adapter.Interruptible)
	if r.backend == nil || !ok {
		r.rejectCommand(cmd, "interrupt is not supported by this backend")
		return
	}
	msg := schema.Message{Type: schema.TypeInterrupt, Role: schema.RoleUser, Timestamp: time.Now()}
	msg.WithMeta("author", cmd.Author)
	r.record(&msg)
	if err := in.Interrupt(r.ctx); err != nil {
		r.logger.Warn("interrupt failed", "error", err)
		em := schema.NewErrorMessage("", schema.ErrorKindAPIError, "interrupt failed: "+err.Error())
		r.record(&em)
	}
}

func (r *Runtime) handleConfigChange(cmd Command) {
	cfg, ok := r.backend.(adapter.Configurable)
	if r.backend == nil || !ok {
		r.rejectCommand(cmd, "configuration changes are not supported by this backend")
		return
	}
	if cmd.Model != "" {
		if err := cfg.SetModel(r.ctx, cmd.Model); err != nil {
			r.rejectCommand(cmd, "set model: "+err.Error())
			return
		}
		r.model = cmd.Model
	}
	if cmd.PermissionMode != "" {
		if err := cfg.SetPermissionMode(r.ctx, cmd.PermissionMode); err != nil {
			r.rejectCommand(cmd, "set permission mode: "+err.Error())
			return
		}
		r.permissionMode = cmd.PermissionMode
	}
	msg := schema.Message{Type: schema.TypeConfigurationChange, Role: schema.RoleUser, Timestamp: time.Now()}
	msg.WithMeta("author", cmd.Author)
	if cmd.Model != "" {
		msg.WithMeta("model", cmd.Model)
	}
	if cmd.PermissionMode != "" {
		msg.WithMeta("permission_mode", cmd.PermissionMode)
	}
	r.record(&msg)
	r.persist()
}

// ApplyPolicyCommand applies a supervisory policy nudge. Ineligible commands
// are no-ops; applying one twice is safe.
func (r *Runtime) ApplyPolicyCommand(cmd PolicyCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if !r.post(func() { r.handlePolicy(cmd) }) {
		return ErrSessionClosed
	}
	return nil
}

func (r *Runtime) handlePolicy(cmd PolicyCommand) {
	st := r.State()
	switch st {
	case schema.StateClosing, schema.StateClosed:
		return
	}
	switch cmd.Type {
	case PolicyReconnectTimeout:
		if st != schema.StateStarting && st != schema.StateDegraded {
			return
		}
		detail := cmd.Reason
		if detail == "" {
			detail = "waiting for backend"
		}
		sc := schema.NewStatusChange("", st, detail)
		sc.WithMeta("watchdog", true)
		r.record(&sc)
		r.bus.PublishType(eventbus.PolicyWatchdog, map[string]any{
			"session_id": r.id,
			"state":      st,
			"adapter":    r.kind,
			"pid":        r.pid,
		})
	case PolicyIdleReap:
		if len(r.consumers) > 0 {
			return
		}
		if st != schema.StateIdle && st != schema.StateDegraded {
			return
		}
		r.logger.Info("idle reap", "state", string(st))
		r.handleClose("idle reap")
	case PolicyCapabilitiesTimeout:
		if st != schema.StateAwaitingBackend {
			return
		}
		r.logger.Warn("capability negotiation timed out, proceeding with declared capabilities")
		r.transition(schema.StateActive, "capability negotiation timed out")
		if !r.releaseQueueHead() && !r.turnOpen {
			r.transition(schema.StateIdle, "")
		}
	}
}

// AttachConsumer registers a delivery sink. The new consumer receives a
// synthetic session_init frame followed by the most recent history entries,
// then live traffic in order.
func (r *Runtime) AttachConsumer(id, author string, sink Sink) error {
	if id == "" || sink == nil {
		return errors.New("consumer id and sink required")
	}
	var reject error
	err := r.call(func() {
		switch r.State() {
		case schema.StateClosing, schema.StateClosed:
			reject = ErrSessionClosed
			return
		}
		if _, dup := r.consumers[id]; dup {
			reject = fmt.Errorf("consumer already attached: %s", id)
			return
		}
		c := newConsumer(id, author, sink, r.logger)
		r.consumers[id] = c
		go c.run(func(deadID string, derr error) {
			r.logger.Debug("consumer delivery failed", "consumer_id", deadID, "error", derr)
			r.DetachConsumer(deadID)
		})
		c.enqueue(r.sessionInitMessage())
		for _, m := range r.history.Tail(r.replayLimit) {
			mm := m
			c.enqueue(&mm)
		}
		r.metrics.ConsumerAttached()
		r.bus.PublishType(eventbus.ConsumerConnected, map[string]any{
			"session_id":  r.id,
			"consumer_id": id,
			"author":      author,
			"consumers":   len(r.consumers),
		})
	})
	if err != nil {
		return err
	}
	return reject
}

// DetachConsumer removes a consumer, draining whatever is already queued to
// it. Unknown ids are ignored.
func (r *Runtime) DetachConsumer(id string) {
	r.post(func() {
		c, ok := r.consumers[id]
		if !ok {
			return
		}
		delete(r.consumers, id)
		c.shutdown(true)
		r.metrics.ConsumerDetached()
		r.bus.PublishType(eventbus.ConsumerDisconnected, map[string]any{
			"session_id":  r.id,
			"consumer_id": id,
			"consumers":   len(r.consumers),
		})
	})
}

// sessionInitMessage builds the synthetic greeting for a new consumer. It
// carries enough session state to render a UI without replaying everything:
// lifecycle state, capabilities, the outbound queue, and pending permission
// requests.
func (r *Runtime) sessionInitMessage() *schema.Message {
	r.seq++
	msg := &schema.Message{
		ID:        schema.MessageID(r.seq),
		SessionID: r.id,
		Type:      schema.TypeSessionInit,
		Role:      schema.RoleSystem,
		Timestamp: time.Now(),
	}
	msg.WithMeta("state", string(r.State()))
	msg.WithMeta("adapter", string(r.kind))
	msg.WithMeta("capabilities", r.caps)
	if r.model != "" {
		msg.WithMeta("model", r.model)
	}
	if r.permissionMode != "" {
		msg.WithMeta("permission_mode", r.permissionMode)
	}
	if r.cwd != "" {
		msg.WithMeta("cwd", r.cwd)
	}
	msg.WithMeta("history_len", r.history.Len())
	if len(r.queue) > 0 {
		msg.WithMeta("queued_messages", append([]schema.QueuedMessage(nil), r.queue...))
	}
	if len(r.pendingPerms) > 0 {
		msg.WithMeta("pending_permissions", r.pendingPermissionList())
	}
	return msg
}

func (r *Runtime) pendingPermissionList() []schema.PermissionRequest {
	out := make([]schema.PermissionRequest, 0, len(r.pendingPerms))
	for _, p := range r.pendingPerms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HistoryTail returns the last n history entries. Empty once the session has
// closed; closed-session history lives in storage.
func (r *Runtime) HistoryTail(n int) []schema.Message {
	var out []schema.Message
	if err := r.call(func() { out = r.history.Tail(n) }); err != nil {
		return nil
	}
	return out
}

// SetArchived flips the archive flag and persists it.
func (r *Runtime) SetArchived(archived bool) error {
	return r.call(func() {
		r.archived = archived
		r.persist()
	})
}

// Close shuts the session down: one transition to closing, backend teardown,
// one terminal transition to closed. Idempotent.
func (r *Runtime) Close(reason string) error {
	err := r.call(func() { r.handleClose(reason) })
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

func (r *Runtime) handleClose(reason string) {
	switch r.State() {
	case schema.StateClosing, schema.StateClosed:
		return
	}
	r.logger.Info("closing session", "reason", reason)
	r.transition(schema.StateClosing, reason)
	r.failPendingSlash("session closed")
	r.cancel()
	if r.backend != nil {
		if err := r.backend.Close(); err != nil {
			r.logger.Debug("backend close", "error", err)
		}
		r.backend = nil
		r.backendMsgs = nil
	}
	r.turnOpen = false
	r.transition(schema.StateClosed, reason)
	for id := range r.pendingPerms {
		delete(r.pendingPerms, id)
	}
	r.persist()
	r.bus.PublishType(eventbus.SessionClosed, map[string]any{
		"session_id": r.id,
		"reason":     reason,
	})
	for id, c := range r.consumers {
		delete(r.consumers, id)
		c.shutdown(true)
		r.metrics.ConsumerDetached()
	}
}

// snapshot captures the persistable session state. Sequencer only.
func (r *Runtime) snapshot() *schema.Snapshot {
	return &schema.Snapshot{
		ID:                 r.id,
		Version:            schema.CurrentSchemaVersion,
		State:              r.State(),
		Adapter:            r.kind,
		CreatedAt:          r.createdAt,
		UpdatedAt:          r.updatedAt,
		Cwd:                r.cwd,
		Model:              r.model,
		PID:                r.pid,
		NativeHandle:       r.nativeHandle,
		Archived:           r.archived,
		MessageHistory:     r.history.Snapshot(),
		PendingMessages:    append([]schema.QueuedMessage{}, r.queue...),
		PendingPermissions: r.pendingPermissionList(),
	}
}

// persist writes the snapshot through the storage backend. Failures are
// logged and the session continues in memory.
func (r *Runtime) persist() {
	if r.storage == nil {
		return
	}
	snap := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.storage.Save(ctx, snap); err != nil {
		r.logger.Warn("session persist failed", "error", err)
	}
}

func parseMessageSeq(id string) (uint64, bool) {
	if !strings.HasPrefix(id, "m-") {
		return 0, false
	}
	n, err := strconv.ParseUint(id[2:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
