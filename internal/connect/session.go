// Package connect implements the client-side connection session: a
// per-(tool, user) state machine that drives one OAuth authorization attempt
// from initiation through an external auth surface to a reconciled, active
// connection.
package connect

import (
	"context"
	"errors"
	"time"

	"github.com/doppelhq/doppel/internal/log"
	"github.com/doppelhq/doppel/internal/services"

	"github.com/benbjohnson/clock"
)

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle                Status = "idle"
	StatusConnecting          Status = "connecting"
	StatusAwaitingPopupResult Status = "awaiting_popup_result"
	StatusReconciling         Status = "reconciling"
	StatusConnected           Status = "connected"
	StatusDisconnecting       Status = "disconnecting"
	StatusFailed              Status = "failed"
)

// CompletionSignalType is the type tag the auth surface sends back when an
// authorization flow finishes.
const CompletionSignalType = "composio-oauth-complete"

// CompletionSignal is the single message an auth surface delivers to its
// opener when the OAuth flow completes.
type CompletionSignal struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Tool    string `json:"tool"`
	UserID  string `json:"userId"`
}

// Broker is the connection backend the session drives. ComposioService
// satisfies it.
type Broker interface {
	InitiateConnection(ctx context.Context, userID, tool string) (*services.InitiateResult, error)
	ActiveConnections(ctx context.Context, userID string) ([]string, map[string]string, error)
	DeleteConnection(ctx context.Context, connectionID string) error
}

// SurfaceHandle is one opened auth surface. Signals delivers completion
// signals from the flow; Closed fires when the surface went away without
// signaling. Close releases the surface's resources.
type SurfaceHandle interface {
	Signals() <-chan CompletionSignal
	Closed() <-chan struct{}
	Close() error
}

// Surface opens the authorization redirect URL in an external context, for
// example a browser window paired with a loopback callback listener.
type Surface interface {
	Open(ctx context.Context, redirectURL string) (SurfaceHandle, error)
}

var (
	// ErrSessionBusy means Connect or Disconnect was called while a prior
	// attempt was still in flight.
	ErrSessionBusy = errors.New("connect: session attempt already in progress")
	// ErrNoRedirectURL means the broker initiated without returning an
	// authorization URL to open.
	ErrNoRedirectURL = errors.New("connect: broker returned no redirect URL")
	// ErrAuthDeclined means the auth surface reported the flow failed.
	ErrAuthDeclined = errors.New("connect: authorization was declined")
	// ErrSurfaceClosed means the auth surface went away without reporting a
	// result.
	ErrSurfaceClosed = errors.New("connect: auth surface closed without completing")
	// ErrConnectionPending means the flow signaled success but the connection
	// never became queryable as active within the reconciliation budget.
	ErrConnectionPending = errors.New("connect: connection not yet active, try status again later")
	// ErrNotConnected means Disconnect was called without an established
	// connection to tear down.
	ErrNotConnected = errors.New("connect: no active connection for this session")
	// ErrDisconnectDeclined means the confirmation callback rejected the
	// disconnect.
	ErrDisconnectDeclined = errors.New("connect: disconnect not confirmed")
)

// Reconciliation after a success signal: the backing connection may not be
// immediately queryable as active, so poll a bounded number of extra times
// instead of trusting the first read or blocking forever.
const (
	reconcileExtraPolls = 5
	reconcileInterval   = time.Second
)

// Session is one per-(tool, user) connection state machine. It is not safe
// for concurrent use; each tool gets its own Session.
type Session struct {
	tool    string
	userID  string
	broker  Broker
	surface Surface
	clk     clock.Clock

	status       Status
	connectionID string
}

// NewSession creates an idle session for (tool, userID).
func NewSession(tool, userID string, broker Broker, surface Surface, clk clock.Clock) *Session {
	return &Session{
		tool:    tool,
		userID:  userID,
		broker:  broker,
		surface: surface,
		clk:     clk,
		status:  StatusIdle,
	}
}

// Status returns the session's current state.
func (s *Session) Status() Status { return s.status }

// ConnectionID returns the established connection's identifier, or "" when
// the session is not connected.
func (s *Session) ConnectionID() string { return s.connectionID }

// Connect runs one full authorization attempt: initiate with the broker, open
// the auth surface, wait for exactly one completion outcome, then reconcile
// against connection status. It blocks until the attempt resolves. A failed
// attempt is terminal for this invocation; the caller must re-invoke to retry.
func (s *Session) Connect(ctx context.Context) error {
	switch s.status {
	case StatusIdle, StatusFailed:
	case StatusConnected:
		return nil
	default:
		return ErrSessionBusy
	}

	s.status = StatusConnecting
	s.connectionID = ""

	result, err := s.broker.InitiateConnection(ctx, s.userID, s.tool)
	if err != nil {
		s.status = StatusFailed
		return err
	}
	if result.AlreadyConnected {
		s.status = StatusConnected
		s.connectionID = result.ConnectionID
		return nil
	}
	if result.RedirectURL == "" {
		s.status = StatusFailed
		return ErrNoRedirectURL
	}

	handle, err := s.surface.Open(ctx, result.RedirectURL)
	if err != nil {
		s.status = StatusFailed
		return err
	}
	defer func() {
		if err := handle.Close(); err != nil {
			log.Warn(ctx, "Failed to close auth surface", "error", err, "tool", s.tool)
		}
	}()

	s.status = StatusAwaitingPopupResult
	if err := s.awaitCompletion(ctx, handle); err != nil {
		s.status = StatusFailed
		return err
	}

	s.status = StatusReconciling
	connectionID, connected, err := s.reconcile(ctx)
	if err != nil {
		s.status = StatusFailed
		return err
	}
	if !connected {
		// The flow reported success but the connection never showed up as
		// active with an identifier. Not a hard failure: the session returns
		// to idle and the caller can check status later.
		s.status = StatusIdle
		return ErrConnectionPending
	}

	s.status = StatusConnected
	s.connectionID = connectionID
	return nil
}

// awaitCompletion waits for exactly one of: a completion signal for this
// session's tool, the surface closing without signaling, or context
// cancellation. Signals for other tools are ignored.
func (s *Session) awaitCompletion(ctx context.Context, handle SurfaceHandle) error {
	for {
		select {
		case sig := <-handle.Signals():
			if sig.Type != CompletionSignalType || sig.Tool != s.tool {
				log.Debug(ctx, "Ignoring unrelated completion signal",
					"signal_type", sig.Type,
					"signal_tool", sig.Tool,
					"tool", s.tool,
				)
				continue
			}
			if !sig.Success {
				return ErrAuthDeclined
			}
			return nil

		case <-handle.Closed():
			return ErrSurfaceClosed

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reconcile polls the broker for the tool's active connection: one immediate
// read plus up to reconcileExtraPolls retries at reconcileInterval spacing.
// The first poll reporting the tool connected with an identifier wins. After
// exhaustion the last poll stands, with connected-but-no-identifier treated
// as not connected.
func (s *Session) reconcile(ctx context.Context) (string, bool, error) {
	var lastID string
	var lastConnected bool

	for attempt := 0; ; attempt++ {
		tools, ids, err := s.broker.ActiveConnections(ctx, s.userID)
		if err != nil {
			log.Warn(ctx, "Connection status poll failed",
				"error", err,
				"tool", s.tool,
				"attempt", attempt,
			)
			lastConnected = false
			lastID = ""
		} else {
			lastConnected = containsTool(tools, s.tool)
			lastID = ids[s.tool]
			if lastConnected && lastID != "" {
				return lastID, true, nil
			}
		}

		if attempt == reconcileExtraPolls {
			return lastID, lastConnected && lastID != "", nil
		}

		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-s.clk.After(reconcileInterval):
		}
	}
}

// Resume adopts an existing connection the caller already resolved, putting
// the session straight into Connected so Disconnect can be driven without
// re-running the authorization flow.
func (s *Session) Resume(connectionID string) error {
	switch s.status {
	case StatusIdle, StatusFailed:
	default:
		return ErrSessionBusy
	}
	if connectionID == "" {
		return ErrNotConnected
	}
	s.status = StatusConnected
	s.connectionID = connectionID
	return nil
}

// Disconnect tears down the established connection. It requires a known
// connection identifier and an explicit confirmation; a broker failure
// returns the session to Connected.
func (s *Session) Disconnect(ctx context.Context, confirm func() bool) error {
	if s.status != StatusConnected || s.connectionID == "" {
		return ErrNotConnected
	}
	if !confirm() {
		return ErrDisconnectDeclined
	}

	s.status = StatusDisconnecting
	if err := s.broker.DeleteConnection(ctx, s.connectionID); err != nil {
		s.status = StatusConnected
		return err
	}

	s.status = StatusIdle
	s.connectionID = ""
	return nil
}

func containsTool(tools []string, tool string) bool {
	for _, t := range tools {
		if t == tool {
			return true
		}
	}
	return false
}
