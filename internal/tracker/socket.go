package tracker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"vibecarding/internal/models"
	"vibecarding/internal/realtime"
)

// SocketState is the connection lifecycle of the realtime channel.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketReconnecting SocketState = "reconnecting"
)

const socketWriteWait = 10 * time.Second

// Socket maintains a websocket connection to the update channel, reconnecting
// with doubling backoff and replaying every active subscription after each
// reconnect. Draft jobs accumulate subscriptions; tracking a new non-draft job
// evicts the previously tracked one.
type Socket struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	onUpdate func(models.JobUpdate)
	onStall  func()

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	state    SocketState
	subs     map[string]struct{}
	finalJob string
}

// NewSocket builds a client for the given ws:// URL. onUpdate receives every
// job_update frame; onStall fires once per outage when the reconnect backoff
// hits its ceiling.
func NewSocket(url string, onUpdate func(models.JobUpdate), onStall func(), logger zerolog.Logger) *Socket {
	return &Socket{
		url:         url,
		dialer:      websocket.DefaultDialer,
		logger:      logger,
		onUpdate:    onUpdate,
		onStall:     onStall,
		baseBackoff: time.Second,
		maxBackoff:  5 * time.Minute,
		state:       SocketDisconnected,
		subs:        make(map[string]struct{}),
	}
}

// Run dials and serves the connection until ctx is cancelled, reconnecting
// with jittered doubling backoff. An outage longer than the ceiling stops the
// retries for good, with a single notification; the job-status endpoint
// remains as the fallback.
func (s *Socket) Run(ctx context.Context) {
	backoff := s.baseBackoff
	var outageStart time.Time
	first := true
	for {
		if ctx.Err() != nil {
			s.setState(SocketDisconnected)
			return
		}
		if first {
			s.setState(SocketConnecting)
		} else {
			s.setState(SocketReconnecting)
		}

		conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("url", s.url).Msg("websocket dial failed")
			if outageStart.IsZero() {
				outageStart = time.Now()
			} else if time.Since(outageStart) >= s.maxBackoff {
				s.logger.Warn().Str("url", s.url).Msg("websocket reconnect gave up")
				s.setState(SocketDisconnected)
				if s.onStall != nil {
					s.onStall()
				}
				return
			}
			first = false
			select {
			case <-ctx.Done():
				s.setState(SocketDisconnected)
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		backoff = s.baseBackoff
		outageStart = time.Time{}
		first = false
		s.attach(conn)

		closed := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-closed:
			}
		}()
		s.readLoop(conn)
		close(closed)
		s.detach(conn)

		select {
		case <-ctx.Done():
			s.setState(SocketDisconnected)
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// attach installs the live connection and replays every tracked subscription.
func (s *Socket) attach(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.state = SocketConnected
	for id := range s.subs {
		s.writeLocked(realtime.ClientFrame{Type: realtime.FrameSubscribeJob, JobID: id})
	}
}

func (s *Socket) detach(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		var frame realtime.UpdateFrame
		if err := conn.ReadJSON(&frame); err != nil {
			s.logger.Debug().Err(err).Msg("websocket read ended")
			return
		}
		if frame.Type != realtime.FrameJobUpdate {
			continue
		}
		if s.onUpdate != nil {
			s.onUpdate(frame.JobUpdate)
		}
	}
}

// Subscribe starts tracking a job. Draft-cohort jobs are tracked side by side;
// a non-draft job replaces the previously tracked non-draft job.
func (s *Socket) Subscribe(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.IsDraftJobID(jobID) {
		if s.finalJob != "" && s.finalJob != jobID {
			delete(s.subs, s.finalJob)
			s.writeLocked(realtime.ClientFrame{Type: realtime.FrameUnsubscribeJob, JobID: s.finalJob})
		}
		s.finalJob = jobID
	}
	if _, ok := s.subs[jobID]; ok {
		return
	}
	s.subs[jobID] = struct{}{}
	s.writeLocked(realtime.ClientFrame{Type: realtime.FrameSubscribeJob, JobID: jobID})
}

// Unsubscribe stops tracking a job.
func (s *Socket) Unsubscribe(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[jobID]; !ok {
		return
	}
	delete(s.subs, jobID)
	if s.finalJob == jobID {
		s.finalJob = ""
	}
	s.writeLocked(realtime.ClientFrame{Type: realtime.FrameUnsubscribeJob, JobID: jobID})
}

// UnsubscribeAll drops every tracked job.
func (s *Socket) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	s.subs = make(map[string]struct{})
	s.finalJob = ""
	s.writeLocked(realtime.ClientFrame{Type: realtime.FrameUnsubscribeAll})
}

// State reports the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscriptions returns the tracked job IDs.
func (s *Socket) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	return ids
}

// jitter spreads redials so interrupted clients do not thunder back in sync.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// writeLocked sends a frame on the live connection, if any. Callers hold s.mu.
// Offline sends are dropped; attach replays the subscription set instead.
func (s *Socket) writeLocked(frame realtime.ClientFrame) {
	if s.conn == nil {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Debug().Err(err).Str("type", frame.Type).Msg("websocket write failed")
	}
}
