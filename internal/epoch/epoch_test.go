package epoch

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/defl-net/client/internal/aggregator"
	"github.com/defl-net/client/internal/codec"
	"github.com/defl-net/client/internal/committer"
	"github.com/defl-net/client/internal/metrics"
	"github.com/defl-net/client/internal/model"
	"github.com/defl-net/client/internal/poison"
	"github.com/defl-net/client/internal/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestAggregateBundleEmptyResetsToInitialSnapshot(t *testing.T) {
	rt := model.NewInMemory(model.Shape{3}, 1, false)
	l := &Loop{
		runtime:         rt,
		aggregator:      aggregator.New(aggregator.KindMean, 0),
		initialSnapshot: [][]float64{{1, 2, 3}},
	}
	rt.SetWeights([][]float64{{9, 9, 9}})

	require.NoError(t, l.aggregateBundle(nil))
	require.Equal(t, [][]float64{{1, 2, 3}}, rt.CurrentWeights())
}

func TestAggregateBundleAggregatesPeers(t *testing.T) {
	rt := model.NewInMemory(model.Shape{2}, 1, false)
	l := &Loop{
		runtime:    rt,
		aggregator: aggregator.New(aggregator.KindMean, 0),
		metrics:    metrics.New(prometheus.NewRegistry()),
	}

	a, err := rt.SerializeWeights()
	require.NoError(t, err)
	rt.SetWeights([][]float64{{2, 2}})
	b, err := rt.SerializeWeights()
	require.NoError(t, err)

	require.NoError(t, l.aggregateBundle(map[string][]byte{"peer-a": a, "peer-b": b}))
	got := rt.CurrentWeights()
	require.Len(t, got, 1)
	require.InDeltaSlice(t, []float64{1, 1}, got[0], 1e-9)
}

func TestAggregateBundleRejectsUnparseableWeights(t *testing.T) {
	rt := model.NewInMemory(model.Shape{2}, 1, false)
	l := &Loop{
		runtime:    rt,
		aggregator: aggregator.New(aggregator.KindMean, 0),
	}
	// Claims one layer (header 00000001) but is truncated before the
	// layer's width field, which DeserializeWeights must reject.
	truncated := []byte{0, 0, 0, 1, 0, 0}
	require.Error(t, l.aggregateBundle(map[string][]byte{"peer-a": truncated}))
}

func TestAcceptableStatus(t *testing.T) {
	require.True(t, acceptableStatus(wire.StatusOK))
	require.True(t, acceptableStatus(wire.StatusNotMeetQuorumWait))
	require.False(t, acceptableStatus(wire.StatusBadRequest))
}

func TestSafeGSTDefaultsWhenZero(t *testing.T) {
	l := &Loop{}
	require.Equal(t, time.Second, l.safeGST())

	l.params.GSTTimeout = 5 * time.Second
	require.Equal(t, 5*time.Second, l.safeGST())
}

func TestCloneLayersIndependentCopy(t *testing.T) {
	src := [][]float64{{1, 2}, {3}}
	dst := cloneLayers(src)
	dst[0][0] = 99
	require.Equal(t, float64(1), src[0][0])
}

// epochMockReplica is a minimal stand-in for the server side of both streams,
// acking every request and replying on demand from the active or passive
// listener the client advertises during registration.
type epochMockReplica struct {
	consensusLn net.Listener
	observerLn  net.Listener
	requests    chan *wire.ClientRequest
}

func newEpochMockReplica(t *testing.T) *epochMockReplica {
	consensusLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	observerLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &epochMockReplica{consensusLn: consensusLn, observerLn: observerLn, requests: make(chan *wire.ClientRequest, 16)}

	serve := func(ln net.Listener) {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
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
	}
	go serve(consensusLn)
	go serve(observerLn)
	return r
}

func (r *epochMockReplica) port(ln net.Listener) int { return ln.Addr().(*net.TCPAddr).Port }

func (r *epochMockReplica) respondActive(t *testing.T, port int, resp *wire.Response) {
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, codec.Replica.Send(conn, resp.Marshal()))
}

func (r *epochMockReplica) respondPassive(t *testing.T, port int, wr *wire.WeightsResponse) {
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, codec.Replica.Send(conn, wr.Marshal()))
}

// TestRunRoundEndToEnd drives one full INIT round of the state machine
// against a mock replica: fetch (empty bundle), aggregate (reset to
// initial snapshot), train, submit, GST wait, vote.
func TestRunRoundEndToEnd(t *testing.T) {
	replica := newEpochMockReplica(t)

	m := metrics.New(prometheus.NewRegistry())
	c := committer.New(committer.Config{
		ClientName: "round-trip-client",
		ServerHost: "127.0.0.1",
		ServerPort: replica.port(replica.consensusLn),
		ObsidoPort: replica.port(replica.observerLn),
	}, m, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Bootstrap(ctx))
	defer c.Close()
	regReq := <-replica.requests
	require.Equal(t, wire.MethodClientRegister, regReq.Method)
	activePort := int(regReq.RegisterInfo.Port)
	passivePort := int(regReq.RegisterInfo.PasvPort)

	rt := model.NewInMemory(model.Shape{4}, 7, false)
	agg := aggregator.New(aggregator.KindMean, 0)
	loop := New(c, agg, rt, poison.None{}, Params{
		GSTTimeout:      200 * time.Millisecond,
		LocalTrainSteps: 1,
		NumByzantine:    0,
	}, nil, nil, m, nil)

	done := make(chan struct {
		id  int64
		err error
	}, 1)
	go func() {
		id, err := loop.runRound(ctx, 0)
		done <- struct {
			id  int64
			err error
		}{id, err}
	}()

	fetchReq := <-replica.requests
	require.Equal(t, wire.MethodFetchWLast, fetchReq.Method)
	replica.respondPassive(t, passivePort, &wire.WeightsResponse{
		ResponseUUID: "fetch-1", RLastEpochID: 0, WLast: nil,
	})

	updateReq := <-replica.requests
	require.Equal(t, wire.MethodUpdateWeights, updateReq.Method)
	replica.respondActive(t, activePort, &wire.Response{
		RequestUUID: updateReq.RequestUUID, ResponseUUID: "upd-1", Stat: wire.StatusOK,
	})

	voteReq := <-replica.requests
	require.Equal(t, wire.MethodNewEpochVote, voteReq.Method)
	replica.respondActive(t, activePort, &wire.Response{
		RequestUUID: voteReq.RequestUUID, ResponseUUID: "vote-1", Stat: wire.StatusOK,
	})

	select {
	case result := <-done:
		require.NoError(t, result.err)
		require.Equal(t, int64(1), result.id)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for round to complete")
	}
}
