package committer

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/defl-net/client/internal/codec"
	"github.com/defl-net/client/internal/metrics"
	"github.com/defl-net/client/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// mockReplica is a minimal in-process stand-in for the server side of the
// protocol: it accepts a consensus and an observer connection, acks every
// request with "Ack", and on demand dials back to the client's active or
// passive listener to deliver a Response or WeightsResponse.
type mockReplica struct {
	consensusLn net.Listener
	observerLn  net.Listener

	consensusConn net.Conn
	observerConn  net.Conn

	requests chan *wire.ClientRequest
}

func newMockReplica(t *testing.T) *mockReplica {
	consensusLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	observerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &mockReplica{
		consensusLn: consensusLn,
		observerLn:  observerLn,
		requests:    make(chan *wire.ClientRequest, 16),
	}

	go func() {
		conn, err := consensusLn.Accept()
		if err != nil {
			return
		}
		r.consensusConn = conn
		for {
			data, err := codec.Replica.Recv(conn)
			if err != nil {
				return
			}
			req, err := wire.UnmarshalClientRequest(data)
			if err != nil {
				return
			}
			if err := codec.Replica.Send(conn, []byte("Ack")); err != nil {
				return
			}
			r.requests <- req
		}
	}()

	go func() {
		conn, err := observerLn.Accept()
		if err != nil {
			return
		}
		r.observerConn = conn
		for {
			data, err := codec.Replica.Recv(conn)
			if err != nil {
				return
			}
			req, err := wire.UnmarshalClientRequest(data)
			if err != nil {
				return
			}
			if err := codec.Replica.Send(conn, []byte("Ack")); err != nil {
				return
			}
			r.requests <- req
		}
	}()

	return r
}

func (r *mockReplica) port(ln net.Listener) int {
	return ln.Addr().(*net.TCPAddr).Port
}

// respondActive dials the client's advertised active port and delivers a
// Response for the given request id.
func (r *mockReplica) respondActive(t *testing.T, host string, port int, resp *wire.Response) {
	conn, err := net.Dial("tcp", hostPort(host, port))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, codec.Replica.Send(conn, resp.Marshal()))
}

// respondPassive dials the client's advertised passive port and delivers a
// WeightsResponse broadcast.
func (r *mockReplica) respondPassive(t *testing.T, host string, port int, wr *wire.WeightsResponse) {
	conn, err := net.Dial("tcp", hostPort(host, port))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, codec.Replica.Send(conn, wr.Marshal()))
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func newTestCommitter(t *testing.T, replica *mockReplica) *Committer {
	m := metrics.New(prometheus.NewRegistry())
	c := New(Config{
		ClientName: "test-client",
		ServerHost: "127.0.0.1",
		ServerPort: replica.port(replica.consensusLn),
		ObsidoPort: replica.port(replica.observerLn),
	}, m, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Bootstrap(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBootstrapRegistersWithReplica(t *testing.T) {
	replica := newMockReplica(t)
	c := newTestCommitter(t, replica)

	select {
	case req := <-replica.requests:
		require.Equal(t, wire.MethodClientRegister, req.Method)
		require.NotNil(t, req.RegisterInfo)
		require.Equal(t, c.activePort(), int(req.RegisterInfo.Port))
		require.Equal(t, c.passivePort(), int(req.RegisterInfo.PasvPort))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for registration request")
	}
}

// FetchWLast is ack-only on the observer stream: the real bundle arrives
// later as a passive WeightsResponse push, read via ObservationQueue.
func TestFetchWLastAcksOnObserverStreamThenBundleArrivesOnObservationQueue(t *testing.T) {
	replica := newMockReplica(t)
	c := newTestCommitter(t, replica)
	<-replica.requests // drain the registration request

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, c.FetchWLast(ctx))

	var fetchReq *wire.ClientRequest
	select {
	case fetchReq = <-replica.requests:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch request")
	}
	require.Equal(t, wire.MethodFetchWLast, fetchReq.Method)

	replica.respondPassive(t, "127.0.0.1", c.passivePort(), &wire.WeightsResponse{
		ResponseUUID: "resp-1", RLastEpochID: 3, WLast: map[string][]byte{"a": {1}},
	})

	select {
	case wr := <-c.ObservationQueue().Drain():
		require.Equal(t, int64(3), wr.RLastEpochID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for passive bundle")
	}
}

func TestUnknownResponseIDIsDroppedNotDelivered(t *testing.T) {
	replica := newMockReplica(t)
	c := newTestCommitter(t, replica)
	<-replica.requests

	replica.respondActive(t, "127.0.0.1", c.activePort(), &wire.Response{
		RequestUUID:  "no-such-request",
		ResponseUUID: "resp-x",
		Stat:         wire.StatusOK,
	})

	// No pending request matches; an UpdateWeights issued afterward must
	// still be demuxed correctly rather than receiving the stray response.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	respCh := make(chan *wire.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := c.UpdateWeights(ctx, 1, []byte("w"))
		respCh <- resp
		errCh <- err
	}()

	req := <-replica.requests
	require.Equal(t, wire.MethodUpdateWeights, req.Method)
	epoch := int64(1)
	replica.respondActive(t, "127.0.0.1", c.activePort(), &wire.Response{
		RequestUUID:  req.RequestUUID,
		ResponseUUID: "resp-y",
		Stat:         wire.StatusOK,
		RLastEpochID: &epoch,
	})
	require.NoError(t, <-errCh)
	resp := <-respCh
	require.Equal(t, "resp-y", resp.ResponseUUID)
}

func TestRequestCancellationCleansUpResponseMap(t *testing.T) {
	replica := newMockReplica(t)
	c := newTestCommitter(t, replica)
	<-replica.requests

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.UpdateWeights(ctx, 1, []byte("w"))
		errCh <- err
	}()
	<-replica.requests
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	c.mu.Lock()
	n := len(c.responseMap)
	c.mu.Unlock()
	require.Equal(t, 0, n)
}

func TestObservationQueueKeepsLatestBroadcast(t *testing.T) {
	replica := newMockReplica(t)
	c := newTestCommitter(t, replica)
	<-replica.requests

	replica.respondPassive(t, "127.0.0.1", c.passivePort(), &wire.WeightsResponse{
		ResponseUUID: "stale", RLastEpochID: 1, WLast: map[string][]byte{"a": {1}},
	})
	time.Sleep(50 * time.Millisecond)
	replica.respondPassive(t, "127.0.0.1", c.passivePort(), &wire.WeightsResponse{
		ResponseUUID: "fresh", RLastEpochID: 2, WLast: map[string][]byte{"a": {2}},
	})
	time.Sleep(50 * time.Millisecond)

	select {
	case wr := <-c.ObservationQueue().Drain():
		require.Equal(t, int64(2), wr.RLastEpochID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

// TestObservationQueueDrainsGreatestEpochIDOutOfOrder exercises spec.md
// §8 testable property #5 directly: broadcasts buffered out of arrival
// order ([3, 7, 5]) must drain to the greatest RLastEpochID (7), not the
// last one pushed (5).
func TestObservationQueueDrainsGreatestEpochIDOutOfOrder(t *testing.T) {
	q := NewObservationQueue()
	q.Push(&wire.WeightsResponse{ResponseUUID: "a", RLastEpochID: 3})
	q.Push(&wire.WeightsResponse{ResponseUUID: "b", RLastEpochID: 7})
	q.Push(&wire.WeightsResponse{ResponseUUID: "c", RLastEpochID: 5})

	select {
	case wr := <-q.Drain():
		require.Equal(t, int64(7), wr.RLastEpochID)
		require.Equal(t, "b", wr.ResponseUUID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}
