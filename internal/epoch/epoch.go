// Package epoch drives the per-round state machine every client runs
// against its committer: fetch the last committed bundle, aggregate it,
// train locally, submit the result, wait for the global stabilization
// timer, then vote to advance. It generalizes the INIT/LOOP structure of
// the original fl_client.py client_routine from a single asyncio
// coroutine into an explicit state machine, in the idiom of the teacher's
// internal/federation/state_machine.go HandshakeStateMachine.
package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/defl-net/client/internal/aggregator"
	"github.com/defl-net/client/internal/checkpoint"
	"github.com/defl-net/client/internal/committer"
	"github.com/defl-net/client/internal/metrics"
	"github.com/defl-net/client/internal/model"
	"github.com/defl-net/client/internal/poison"
	"github.com/defl-net/client/internal/telemetry"
	"github.com/defl-net/client/internal/wire"
)

// State is one step of the per-round loop.
type State int

const (
	StateInit State = iota
	StateWaitFetch
	StateAggregate
	StateTrain
	StateSubmit
	StateGSTWait
	StateVote
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaitFetch:
		return "WAIT_FETCH"
	case StateAggregate:
		return "AGGREGATE"
	case StateTrain:
		return "TRAIN"
	case StateSubmit:
		return "SUBMIT"
	case StateGSTWait:
		return "GST_WAIT"
	case StateVote:
		return "VOTE"
	default:
		return "UNKNOWN"
	}
}

// Params mirrors defl/types.py's ClientConfig fields that govern the loop
// itself (as opposed to the model or dataset).
type Params struct {
	FetchTimeout    time.Duration
	GSTTimeout      time.Duration
	SaveFreq        int // checkpoint every N rounds; 0 disables checkpointing
	LocalTrainSteps int
	NumByzantine    int
}

// Loop owns one client's epoch state machine.
type Loop struct {
	committer  *committer.Committer
	aggregator *aggregator.Aggregator
	runtime    model.Runtime
	poisoner   poison.Poisoner
	params     Params

	checkpoints *checkpoint.Store // nil disables persistence
	telemetry   *telemetry.Hub    // nil disables broadcasting
	metrics     *metrics.Metrics
	log         *slog.Logger

	initialSnapshot [][]float64
	epochID         int64
	round           int
}

// New builds a Loop. runtime's InitWeights is captured immediately as the
// fallback snapshot used whenever a peer bundle is empty.
func New(
	c *committer.Committer,
	agg *aggregator.Aggregator,
	rt model.Runtime,
	p poison.Poisoner,
	params Params,
	store *checkpoint.Store,
	hub *telemetry.Hub,
	m *metrics.Metrics,
	log *slog.Logger,
) *Loop {
	if p == nil {
		p = poison.None{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		committer:       c,
		aggregator:      agg,
		runtime:         rt,
		poisoner:        p,
		params:          params,
		checkpoints:     store,
		telemetry:       hub,
		metrics:         m,
		log:             log,
		initialSnapshot: rt.InitWeights(),
		epochID:         -1,
	}
}

// deadlockGuardMultiplier bounds how long a single round may run before
// the loop assumes the consensus stream is wedged and recovers by
// clearing the session, per spec.md §9's deadlock-guard design note.
const deadlockGuardMultiplier = 2.5

// Run executes rounds until ctx is canceled or a round fails in a way
// that clearing the session does not cover (aggregation, local training,
// serialization, or the session recovery itself). The first round uses a
// zero fetch timeout (spec.md's INIT LOOP immediately fetches rather than
// waiting for a passive broadcast); every subsequent round waits up to
// params.FetchTimeout for a passive broadcast before actively fetching.
func (l *Loop) Run(ctx context.Context) error {
	fetchTimeout := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		next, err := l.runRound(ctx, fetchTimeout)
		if err != nil {
			return err
		}
		l.epochID = next
		l.round++
		fetchTimeout = l.params.FetchTimeout

		if l.metrics != nil {
			l.metrics.EpochRoundsTotal.Inc()
			l.metrics.EpochCurrentID.Set(float64(l.epochID))
		}
		if l.checkpoints != nil && l.params.SaveFreq > 0 && l.round%l.params.SaveFreq == 0 {
			if err := l.saveCheckpoint(); err != nil {
				l.log.Warn("checkpoint save failed", "round", l.round, "err", err)
			}
		}
	}
}

func (l *Loop) runRound(parent context.Context, fetchTimeout time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(parent, deadlockGuardMultiplier*l.safeGST())
	defer cancel()

	recoverSession := func(cause error) (int64, error) {
		l.log.Warn("round aborted, clearing session", "err", cause)
		if l.metrics != nil {
			l.metrics.EpochDeadlockRecovers.Inc()
		}
		if clearErr := l.committer.ClearSession(parent); clearErr != nil {
			return l.epochID, fmt.Errorf("epoch: session recovery failed: %w", clearErr)
		}
		return l.epochID, nil
	}

	l.emitState(StateWaitFetch)
	bundle, err := l.fetch(ctx, fetchTimeout)
	if err != nil {
		return recoverSession(err)
	}

	if l.epochID > bundle.RLastEpochID {
		l.log.Warn("remote epoch did not advance, skipping round", "local", l.epochID, "remote", bundle.RLastEpochID)
		if l.metrics != nil {
			l.metrics.EpochStaleSkips.Inc()
		}
		return l.epochID, nil
	}
	nextEpochID := bundle.RLastEpochID + 1

	gstDeadline := time.Now().Add(l.params.GSTTimeout)

	l.emitState(StateAggregate)
	if err := l.aggregateBundle(bundle.WLast); err != nil {
		return l.epochID, fmt.Errorf("epoch: aggregate: %w", err)
	}

	l.emitState(StateTrain)
	if err := poison.Wrap(ctx, l.runtime, l.params.LocalTrainSteps, l.poisoner); err != nil {
		return l.epochID, fmt.Errorf("epoch: local train: %w", err)
	}

	serialized, err := l.runtime.SerializeWeights()
	if err != nil {
		return l.epochID, fmt.Errorf("epoch: serialize weights: %w", err)
	}

	l.emitState(StateSubmit)
	submitResp, err := l.committer.UpdateWeights(ctx, nextEpochID, serialized)
	if err != nil {
		return recoverSession(fmt.Errorf("epoch: update weights: %w", err))
	}
	if !acceptableStatus(submitResp.Stat) {
		l.log.Warn("update weights rejected", "status", submitResp.Stat.String())
	}

	l.emitState(StateGSTWait)
	if wait := time.Until(gstDeadline); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return recoverSession(ctx.Err())
		}
	}

	l.emitState(StateVote)
	voteResp, err := l.committer.NewEpochVote(ctx, nextEpochID)
	if err != nil {
		return recoverSession(fmt.Errorf("epoch: vote: %w", err))
	}
	if !acceptableStatus(voteResp.Stat) {
		l.log.Warn("epoch vote rejected", "status", voteResp.Stat.String())
	}

	return nextEpochID, nil
}

// fetch waits for a passive broadcast up to timeout, actively fetching if
// none arrives, matching fl_client.py's active_fetch_after companion task.
// A zero timeout skips the wait and fetches immediately (the INIT round).
func (l *Loop) fetch(ctx context.Context, timeout time.Duration) (*wire.WeightsResponse, error) {
	if timeout <= 0 {
		return l.activeFetch(ctx)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wr := <-l.committer.ObservationQueue().Drain():
		return wr, nil
	case <-timer.C:
		l.log.Info("passive fetch timed out, fetching actively")
		return l.activeFetch(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// activeFetch sends FetchWLast on the observer stream and then blocks on
// the ObservationQueue for the actual bundle: per spec.md §4.2's operation
// table, fetch_w_last is ack-only and the replica's reply arrives
// asynchronously on the passive listener as a WeightsResponse push.
func (l *Loop) activeFetch(ctx context.Context) (*wire.WeightsResponse, error) {
	if err := l.committer.FetchWLast(ctx); err != nil {
		return nil, err
	}
	select {
	case wr := <-l.committer.ObservationQueue().Drain():
		return wr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// aggregateBundle folds every peer's serialized weights into the
// aggregator and installs the result, or resets to the initial snapshot
// if the bundle is empty (the bootstrap round, before any peer has
// submitted).
func (l *Loop) aggregateBundle(bundle map[string][]byte) error {
	if len(bundle) == 0 {
		l.runtime.SetWeights(cloneLayers(l.initialSnapshot))
		return nil
	}

	l.aggregator.Clear()
	for name, raw := range bundle {
		layers, err := l.runtime.DeserializeWeights(raw)
		if err != nil {
			return fmt.Errorf("peer %s: %w", name, err)
		}
		if err := l.aggregator.Add(layers); err != nil {
			return fmt.Errorf("peer %s: %w", name, err)
		}
	}

	if l.metrics != nil {
		l.metrics.AggregationPeers.Set(float64(l.aggregator.NumPeers()))
	}
	start := time.Now()
	result, err := l.aggregator.Aggregate(l.params.NumByzantine)
	if l.metrics != nil {
		l.metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	l.runtime.SetWeights(result)
	return nil
}

func acceptableStatus(s wire.Status) bool {
	return s == wire.StatusOK || s == wire.StatusNotMeetQuorumWait
}

func (l *Loop) safeGST() time.Duration {
	if l.params.GSTTimeout <= 0 {
		return time.Second
	}
	return l.params.GSTTimeout
}

func (l *Loop) emitState(s State) {
	l.log.Debug("epoch state", "state", s.String(), "round", l.round, "epoch_id", l.epochID)
	if l.telemetry != nil {
		l.telemetry.Broadcast(telemetry.Event{
			Kind:    "epoch_state",
			State:   s.String(),
			Round:   l.round,
			EpochID: l.epochID,
		})
	}
}

func (l *Loop) saveCheckpoint() error {
	data, err := l.runtime.SerializeWeights()
	if err != nil {
		return err
	}
	return l.checkpoints.Save(checkpoint.Manifest{
		Round:        l.round,
		EpochID:      l.epochID,
		Aggregator:   string(l.aggregator.Kind()),
		NumByzantine: l.params.NumByzantine,
	}, data)
}

func cloneLayers(w [][]float64) [][]float64 {
	out := make([][]float64, len(w))
	for i, layer := range w {
		o := make([]float64, len(layer))
		copy(o, layer)
		out[i] = o
	}
	return out
}
