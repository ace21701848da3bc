package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// ConnectionStatus represents the lifecycle of a managed connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

var (
	// ErrBackendNotFound is returned when a backend is unknown or not in the
	// active set.
	ErrBackendNotFound = errors.New("mcpmgr: backend not found")
	ErrManagerClosed   = errors.New("mcpmgr: manager is shut down")
)

// ConnectError reports a backend that could not be brought up.
type ConnectError struct {
	Server string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("mcpmgr: connect %q: %v", e.Server, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ConnectOutcome is the result of one backend's connect attempt.
type ConnectOutcome struct {
	Server   string
	Tools    int
	Err      error
	Duration time.Duration
}

// ServerSummary aggregates status information for a managed server.
type ServerSummary struct {
	ID          string           `json:"id"`
	Status      ConnectionStatus `json:"status"`
	Transport   ConfigTransport  `json:"transport"`
	Target      string           `json:"target"`
	Tools       int              `json:"tools"`
	ConnectedAt time.Time        `json:"connected_at,omitzero"`
	LastError   string           `json:"last_error,omitempty"`
	Config      ServerConfig     `json:"-"`
}

// Manager owns one Channel per configured backend. The set of connected
// channels is the active set; Invoke only reaches backends in it.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	dialer  Dialer

	states map[string]*managedState
	closed bool
}

type managedState struct {
	config  ServerConfig
	timeout time.Duration

	channel     Channel
	tools       []*mcp.Tool
	connectedAt time.Time
	lastErr     error

	connecting bool
	connectCh  chan struct{}
}

// NewManager registers the given backends without connecting to them. Call
// ConnectAll or ConnectToServer to bring them up.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) *Manager {
	options := opts.normalized()
	m := &Manager{
		options: options,
		logger:  options.Logger,
		dialer:  options.Dialer,
		states:  make(map[string]*managedState, len(cfg)),
	}
	if m.dialer == nil {
		m.dialer = &sdkDialer{options: options}
	}
	for id, sc := range cfg {
		if sc == nil {
			continue
		}
		timeout := sc.base().Timeout
		if timeout <= 0 {
			timeout = options.DefaultTimeout
		}
		m.states[id] = &managedState{config: sc, timeout: timeout}
	}
	return m
}

// ListServers returns every configured backend id, connected or not.
func (m *Manager) ListServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveServers returns the ids of backends with a live channel.
func (m *Manager) ActiveServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id, st := range m.states {
		if st.channel != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Tools returns the tool list a backend advertised when it connected. It is
// nil for backends outside the active set.
func (m *Manager) Tools(serverID string) []*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	if !ok || st.channel == nil {
		return nil
	}
	return append([]*mcp.Tool(nil), st.tools...)
}

// Status reports the connection state without touching the backend.
func (m *Manager) Status(serverID string) ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[serverID]
	switch {
	case !ok:
		return StatusDisconnected
	case st.connecting:
		return StatusConnecting
	case st.channel != nil:
		return StatusConnected
	default:
		return StatusDisconnected
	}
}

// GetServerSummaries returns status snapshots for all configured servers,
// ordered by id.
func (m *Manager) GetServerSummaries() []ServerSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summaries := make([]ServerSummary, 0, len(m.states))
	for id, st := range m.states {
		s := ServerSummary{
			ID:        id,
			Status:    StatusDisconnected,
			Transport: TransportOf(st.config),
			Target:    Target(st.config),
			Config:    st.config,
		}
		switch {
		case st.connecting:
			s.Status = StatusConnecting
		case st.channel != nil:
			s.Status = StatusConnected
			s.Tools = len(st.tools)
			s.ConnectedAt = st.connectedAt
		}
		if st.lastErr != nil {
			s.LastError = st.lastErr.Error()
		}
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries
}

// ConnectAll dials every configured backend in parallel. A backend that fails
// is logged and skipped; it never prevents the others from coming up.
// Outcomes are ordered by server id.
func (m *Manager) ConnectAll(ctx context.Context) []ConnectOutcome {
	ids := m.ListServers()
	outcomes := make([]ConnectOutcome, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			start := time.Now()
			err := m.ConnectToServer(ctx, id)
			out := ConnectOutcome{Server: id, Err: err, Duration: time.Since(start)}
			if err != nil {
				m.logger.Warn("mcpmgr: backend unavailable, skipping", "server", id, "error", err)
			} else {
				out.Tools = len(m.Tools(id))
				m.logger.Info("mcpmgr: backend connected", "server", id, "tools", out.Tools, "duration", out.Duration)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// ConnectToServer connects one backend and captures its tool list. Concurrent
// callers for the same backend share a single attempt. Connecting an already
// connected backend is a no-op.
func (m *Manager) ConnectToServer(ctx context.Context, serverID string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrManagerClosed
		}
		state, ok := m.states[serverID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %q", ErrBackendNotFound, serverID)
		}
		if state.channel != nil {
			m.mu.Unlock()
			return nil
		}
		if state.connecting {
			ch := state.connectCh
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				m.mu.RLock()
				err := state.lastErr
				connected := state.channel != nil
				m.mu.RUnlock()
				if connected {
					return nil
				}
				if err != nil {
					return &ConnectError{Server: serverID, Err: err}
				}
				continue
			}
		}
		state.connecting = true
		state.connectCh = make(chan struct{})
		m.mu.Unlock()

		ch, tools, err := m.establish(ctx, serverID, state)

		m.mu.Lock()
		state.connecting = false
		close(state.connectCh)
		if err == nil && m.closed {
			err = ErrManagerClosed
		}
		if err != nil {
			state.lastErr = err
			m.mu.Unlock()
			if ch != nil {
				_ = ch.Close()
			}
			return &ConnectError{Server: serverID, Err: err}
		}
		state.channel = ch
		state.tools = tools
		state.connectedAt = time.Now().UTC()
		state.lastErr = nil
		m.mu.Unlock()

		go m.monitorChannel(serverID, ch, state.config.base())
		return nil
	}
}

func (m *Manager) establish(ctx context.Context, serverID string, state *managedState) (Channel, []*mcp.Tool, error) {
	connectCtx, cancel := withTimeout(ctx, state.timeout)
	defer cancel()

	ch, err := m.dialer.Dial(connectCtx, serverID, state.config)
	if err != nil {
		return nil, nil, err
	}
	tools, err := ch.ListTools(connectCtx)
	if err != nil {
		return ch, nil, fmt.Errorf("list tools: %w", err)
	}
	return ch, tools, nil
}

// monitorChannel drops a backend from the active set once its connection
// ends. There is no automatic reconnect.
func (m *Manager) monitorChannel(serverID string, ch Channel, base *BaseServerConfig) {
	err := ch.Wait()
	if err != nil && base.OnError != nil {
		base.OnError(err)
	}
	m.mu.Lock()
	st, ok := m.states[serverID]
	dropped := ok && st.channel == ch
	if dropped {
		st.channel = nil
		st.tools = nil
		if err != nil {
			st.lastErr = err
		}
	}
	closed := m.closed
	m.mu.Unlock()
	if dropped && !closed {
		m.logger.Warn("mcpmgr: backend disconnected", "server", serverID, "error", err)
	}
}

// Invoke calls a tool on an active backend, bounded by the backend timeout.
// Channel errors are returned unchanged.
func (m *Manager) Invoke(ctx context.Context, serverID, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	m.mu.RLock()
	st, ok := m.states[serverID]
	var (
		ch      Channel
		timeout time.Duration
	)
	if ok {
		ch = st.channel
		timeout = st.timeout
	}
	m.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotFound, serverID)
	}

	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return ch.CallTool(ctx, tool, args)
}

// PingServer sends a protocol-level ping to an active backend.
func (m *Manager) PingServer(ctx context.Context, serverID string) error {
	m.mu.RLock()
	var ch Channel
	if st, ok := m.states[serverID]; ok {
		ch = st.channel
	}
	m.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("%w: %q", ErrBackendNotFound, serverID)
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return ch.Ping(ctx)
}

// DisconnectServer closes one backend's channel and removes it from the
// active set.
func (m *Manager) DisconnectServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	state, ok := m.states[serverID]
	if !ok || state.channel == nil {
		m.mu.Unlock()
		return nil
	}
	ch := state.channel
	state.channel = nil
	state.tools = nil
	m.mu.Unlock()
	return closeWithContext(ctx, ch)
}

// Shutdown empties the active set under the lock, then closes the detached
// channels concurrently. Close failures are logged, not returned. Later calls
// are no-ops and later Invoke calls fail with ErrBackendNotFound; an Invoke
// already in flight finishes against its own channel reference.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	detached := make(map[string]Channel)
	for id, st := range m.states {
		if st.channel != nil {
			detached[id] = st.channel
			st.channel = nil
			st.tools = nil
		}
	}
	m.mu.Unlock()
	if len(detached) == 0 {
		return
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for id, ch := range detached {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := closeWithContext(ctx, ch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("mcpmgr: errors while closing backends", "error", err)
	}
	m.logger.Info("mcpmgr: shutdown complete", "closed", len(detached))
}

func closeWithContext(ctx context.Context, ch Channel) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	go func() { done <- ch.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
