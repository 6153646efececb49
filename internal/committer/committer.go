// Package committer implements the client's connection to the replica: two
// outbound streams (a consensus stream for requests expecting a Response,
// and an observer stream for the ack-only register and fetch requests)
// plus two inbound listeners the replica dials back on: the active one
// delivers demuxed Responses and the passive one delivers WeightsResponse
// broadcasts. It is a direct port of
// defl/committer/ipc_committer.py's IpcCommitter, generalized from
// asyncio tasks and an asyncio.Lock-guarded response map to goroutines and
// a sync.Mutex-guarded map, in the style of the teacher's
// internal/protocol/session.go SessionManager.
package committer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/defl-net/client/internal/codec"
	"github.com/defl-net/client/internal/metrics"
	"github.com/defl-net/client/internal/wire"
	"github.com/google/uuid"
)

// ErrNack is returned when the replica's immediate acknowledgement frame
// is not "Ack" (spec.md §4.2 "transmit").
var ErrNack = fmt.Errorf("committer: replica did not acknowledge request")

// ErrSessionCleared is returned to any request() awaiter still pending
// when ClearSession tears down the response map.
var ErrSessionCleared = fmt.Errorf("committer: session cleared while request was pending")

// Committer owns the client's wire connections to a single replica.
type Committer struct {
	clientName string
	serverHost string
	serverPort int
	obsidoPort int
	listenHost string

	metrics *metrics.Metrics
	log     *slog.Logger

	consensusConn net.Conn
	observerConn  net.Conn
	activeLn      net.Listener
	passiveLn     net.Listener

	mu          sync.Mutex
	responseMap map[string]chan *wire.Response

	obs *ObservationQueue

	consensusMu sync.Mutex // serializes writes+reads on consensusConn
	observerMu  sync.Mutex // serializes writes+reads on observerConn

	closed chan struct{}
	wg     sync.WaitGroup
}

// Config carries the dial/listen parameters for a new Committer.
type Config struct {
	ClientName string
	ServerHost string
	ServerPort int
	ObsidoPort int
	ListenHost string // defaults to "127.0.0.1"
}

// New builds an unconnected Committer. Call Bootstrap to dial out, start
// listeners, and register with the replica.
func New(cfg Config, m *metrics.Metrics, log *slog.Logger) *Committer {
	host := cfg.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Committer{
		clientName:  cfg.ClientName,
		serverHost:  cfg.ServerHost,
		serverPort:  cfg.ServerPort,
		obsidoPort:  cfg.ObsidoPort,
		listenHost:  host,
		metrics:     m,
		log:         log,
		responseMap: make(map[string]chan *wire.Response),
		obs:         NewObservationQueue(),
		closed:      make(chan struct{}),
	}
}

// ObservationQueue exposes the passive stream's drain-latest semantics.
func (c *Committer) ObservationQueue() *ObservationQueue { return c.obs }

// Bootstrap dials the replica's consensus and observer ports, starts the
// active/passive listeners, and registers the client, retrying the dial
// on connection refusal the way committer_bootstrap does.
func (c *Committer) Bootstrap(ctx context.Context) error {
	if err := c.startListeners(); err != nil {
		return fmt.Errorf("committer: start listeners: %w", err)
	}
	if err := c.connectConsensus(ctx); err != nil {
		return err
	}
	if err := c.connectObserver(ctx); err != nil {
		return err
	}

	c.wg.Add(2)
	go c.serveActive()
	go c.servePassive()

	return c.register(ctx)
}

func (c *Committer) connectConsensus(ctx context.Context) error {
	conn, err := dialWithRetry(ctx, c.serverHost, c.serverPort, c.log)
	if err != nil {
		return err
	}
	c.consensusConn = conn
	return nil
}

func (c *Committer) connectObserver(ctx context.Context) error {
	conn, err := dialWithRetry(ctx, c.serverHost, c.obsidoPort, c.log)
	if err != nil {
		return err
	}
	c.observerConn = conn
	return nil
}

func dialWithRetry(ctx context.Context, host string, port int, log *slog.Logger) (net.Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	for {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		log.Warn("connection refused, retrying", "addr", addr, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (c *Committer) startListeners() error {
	active, err := net.Listen("tcp", c.listenHost+":0")
	if err != nil {
		return fmt.Errorf("active listener: %w", err)
	}
	passive, err := net.Listen("tcp", c.listenHost+":0")
	if err != nil {
		active.Close()
		return fmt.Errorf("passive listener: %w", err)
	}
	c.activeLn = active
	c.passiveLn = passive
	return nil
}

func (c *Committer) activePort() int { return c.activeLn.Addr().(*net.TCPAddr).Port }
func (c *Committer) passivePort() int { return c.passiveLn.Addr().(*net.TCPAddr).Port }

// register transmits ClientRegister on the observer stream (spec.md §4.2's
// operation table: register is ack-only, observer stream).
func (c *Committer) register(ctx context.Context) error {
	req := &wire.ClientRequest{
		Method:      wire.MethodClientRegister,
		RequestUUID: uuid.NewString(),
		ClientName:  c.clientName,
		RegisterInfo: &wire.RegisterInfo{
			Host:     c.listenHost,
			Port:     int32(c.activePort()),
			PasvHost: c.listenHost,
			PasvPort: int32(c.passivePort()),
		},
	}
	return c.transmit(&c.observerMu, c.observerConn, req)
}

// transmit serializes req, sends it on conn (guarded by mu), and checks
// the replica's synchronous "Ack" acknowledgement per spec.md §4.2's
// transmit protocol steps 1/3/4. It never waits for an asynchronous
// Response; FetchWLast, UpdateWeights, and NewEpochVote layer that
// separately over the response map where the table calls for it.
func (c *Committer) transmit(mu *sync.Mutex, conn net.Conn, req *wire.ClientRequest) error {
	method := req.Method.String()
	start := time.Now()
	if c.metrics != nil {
		c.metrics.CommitterRequestsTotal.WithLabelValues(method).Inc()
		defer func() {
			c.metrics.CommitterRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}()
	}

	mu.Lock()
	defer mu.Unlock()

	msg := req.Marshal()
	c.log.Debug("transmitting", "request_uuid", req.RequestUUID, "method", method, "bytes", len(msg))
	if err := codec.Replica.Send(conn, msg); err != nil {
		return fmt.Errorf("committer: send: %w", err)
	}
	ack, err := codec.Replica.Recv(conn)
	if err != nil {
		return fmt.Errorf("committer: recv ack: %w", err)
	}
	if string(ack) != "Ack" {
		if c.metrics != nil {
			c.metrics.CommitterNacks.Inc()
		}
		return ErrNack
	}
	return nil
}

// request registers a pending slot for req's id, transmits it on conn, and
// blocks until the active-handler loop delivers the matching Response or
// ctx is done. Used by the consensus-stream operations that expect an
// active response (spec.md §4.2's table).
func (c *Committer) request(ctx context.Context, mu *sync.Mutex, conn net.Conn, req *wire.ClientRequest) (*wire.Response, error) {
	ch := make(chan *wire.Response, 1)
	c.mu.Lock()
	c.responseMap[req.RequestUUID] = ch
	c.mu.Unlock()

	if err := c.transmit(mu, conn, req); err != nil {
		c.mu.Lock()
		delete(c.responseMap, req.RequestUUID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrSessionCleared
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.responseMap, req.RequestUUID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// FetchWLast transmits FetchWLast on the observer stream and returns once
// the replica acknowledges it. Per spec.md §4.2's operation table this
// does NOT wait for an active response: the actual peer bundle arrives
// asynchronously on the passive listener as a WeightsResponse, which
// callers read from ObservationQueue.
func (c *Committer) FetchWLast(ctx context.Context) error {
	req := &wire.ClientRequest{
		Method:      wire.MethodFetchWLast,
		RequestUUID: uuid.NewString(),
		ClientName:  c.clientName,
	}
	mu := &c.observerMu
	done := make(chan error, 1)
	go func() { done <- c.transmit(mu, c.observerConn, req) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateWeights submits this client's serialized weights for targetEpochID
// on the consensus stream and awaits the demuxed Response.
func (c *Committer) UpdateWeights(ctx context.Context, targetEpochID int64, weights []byte) (*wire.Response, error) {
	return c.request(ctx, &c.consensusMu, c.consensusConn, &wire.ClientRequest{
		Method:        wire.MethodUpdateWeights,
		RequestUUID:   uuid.NewString(),
		ClientName:    c.clientName,
		TargetEpochID: &targetEpochID,
		Weights:       weights,
	})
}

// NewEpochVote casts this client's vote to advance to targetEpochID on the
// consensus stream and awaits the demuxed Response.
func (c *Committer) NewEpochVote(ctx context.Context, targetEpochID int64) (*wire.Response, error) {
	return c.request(ctx, &c.consensusMu, c.consensusConn, &wire.ClientRequest{
		Method:        wire.MethodNewEpochVote,
		RequestUUID:   uuid.NewString(),
		ClientName:    c.clientName,
		TargetEpochID: &targetEpochID,
	})
}

// serveActive accepts replica-initiated connections on the active listener
// and demuxes every Response it receives into the matching response-map
// channel, discarding responses for unknown request ids (ipc_committer.py
// handle_active's behavior).
func (c *Committer) serveActive() {
	defer c.wg.Done()
	for {
		conn, err := c.activeLn.Accept()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
				c.log.Warn("active accept error", "err", err)
				return
			}
		}
		c.wg.Add(1)
		go c.handleActiveConn(conn)
	}
}

func (c *Committer) handleActiveConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()
	for {
		data, err := codec.Replica.Recv(conn)
		if err != nil {
			c.log.Debug("active connection closed", "err", err)
			return
		}
		resp, err := wire.UnmarshalResponse(data)
		if err != nil {
			c.log.Warn("malformed response", "err", err)
			continue
		}
		c.log.Debug("handle", "request_uuid", resp.RequestUUID, "status", resp.Stat.String())

		c.mu.Lock()
		ch, ok := c.responseMap[resp.RequestUUID]
		if ok {
			delete(c.responseMap, resp.RequestUUID)
		}
		c.mu.Unlock()

		if !ok {
			c.log.Warn("received response for unknown request", "request_uuid", resp.RequestUUID)
			continue
		}
		ch <- resp
	}
}

// servePassive accepts replica-initiated connections on the passive
// listener and pushes every WeightsResponse broadcast onto the
// ObservationQueue with drain-latest semantics.
func (c *Committer) servePassive() {
	defer c.wg.Done()
	for {
		conn, err := c.passiveLn.Accept()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
				c.log.Warn("passive accept error", "err", err)
				return
			}
		}
		c.wg.Add(1)
		go c.handlePassiveConn(conn)
	}
}

func (c *Committer) handlePassiveConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()
	for {
		data, err := codec.Replica.Recv(conn)
		if err != nil {
			c.log.Debug("passive connection closed", "err", err)
			return
		}
		wr, err := wire.UnmarshalWeightsResponse(data)
		if err != nil {
			c.log.Warn("malformed weights response", "err", err)
			continue
		}
		if c.metrics != nil {
			c.metrics.CommitterBroadcastsReceived.Inc()
		}
		c.obs.Push(wr)
	}
}

// ClearSession is idempotent recovery: close both outbound streams,
// re-establish them, and drop all pending response-map entries (their
// awaiters observe a closed channel). Listeners are preserved so the
// replica does not need to re-handshake port numbers (spec.md §4.2
// "clear_session").
func (c *Committer) ClearSession(ctx context.Context) error {
	c.consensusMu.Lock()
	if c.consensusConn != nil {
		c.consensusConn.Close()
	}
	c.consensusMu.Unlock()

	c.observerMu.Lock()
	if c.observerConn != nil {
		c.observerConn.Close()
	}
	c.observerMu.Unlock()

	if err := c.connectConsensus(ctx); err != nil {
		return fmt.Errorf("committer: clear session redial consensus: %w", err)
	}
	if err := c.connectObserver(ctx); err != nil {
		return fmt.Errorf("committer: clear session redial observer: %w", err)
	}

	c.mu.Lock()
	for id, ch := range c.responseMap {
		close(ch)
		delete(c.responseMap, id)
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CommitterReconnects.Inc()
	}

	return c.register(ctx)
}

// Close shuts down both listeners and outbound connections.
func (c *Committer) Close() error {
	close(c.closed)
	if c.activeLn != nil {
		c.activeLn.Close()
	}
	if c.passiveLn != nil {
		c.passiveLn.Close()
	}
	if c.consensusConn != nil {
		c.consensusConn.Close()
	}
	if c.observerConn != nil {
		c.observerConn.Close()
	}
	c.wg.Wait()
	return nil
}
