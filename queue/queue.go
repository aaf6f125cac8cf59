/*
Copyright 2023 Watchpost, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	limiter "github.com/sethvargo/go-limiter"
	"github.com/sirupsen/logrus"

	"github.com/watchpost/client-go/client"
	"github.com/watchpost/client-go/connectivity"
	"github.com/watchpost/client-go/lib/logger"
	"github.com/watchpost/client-go/lib/storage"
)

const (
	// DefaultMaxRetryAttempts bounds how many failed replays an entry
	// survives before it is dropped and reported as permanently failed.
	DefaultMaxRetryAttempts = 3

	// queueKey is the storage key the queue is persisted under.
	queueKey = "retry_queue"

	// rateLimiterKey is the bucket key used when pacing replays.
	rateLimiterKey = "replay"
)

// Entry is one queued mutating request together with its retry budget.
// The queue is the sole owner of its entries.
type Entry struct {
	ID         string         `json:"id"`
	Request    client.Request `json:"request"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	RetryCount int            `json:"retry_count"`
}

// Replayer re-issues a queued request through the request pipeline.
// Implemented by client.Client.
type Replayer interface {
	Replay(ctx context.Context, req client.Request) error
}

// ConnectivitySource tells the queue whether a drain is worth attempting.
// Implemented by connectivity.Monitor.
type ConnectivitySource interface {
	CurrentState() connectivity.State
}

// Stats summarizes one Drain call.
type Stats struct {
	// Succeeded is the number of entries replayed and removed.
	Succeeded int
	// Failed is the number of replay attempts that failed, including
	// entries that exhausted their retry budget.
	Failed int
	// Total is the number of replay attempts made.
	Total int
}

func (s *Stats) add(other Stats) {
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Total += other.Total
}

// Config stores the dependencies of a RetryQueue.
type Config struct {
	// Store persists the queue across process restarts.
	Store storage.Store
	// Replayer re-issues queued requests.
	Replayer Replayer
	// Connectivity gates drains: a drain while offline is a no-op.
	Connectivity ConnectivitySource
	// MaxRetryAttempts bounds the per-entry retry budget.
	MaxRetryAttempts int
	// OnPermanentFailure is called exactly once for every entry dropped
	// after exhausting its retry budget. Optional, but without it such
	// entries are only visible in the logs.
	OnPermanentFailure func(Entry, error)
	// RateLimiter paces replays during a drain so a reconnect does not
	// hammer the backend. Optional.
	RateLimiter limiter.Store
	// Clock timestamps enqueued entries.
	Clock clockwork.Clock
	// Log is the logger. Optional.
	Log logrus.FieldLogger
}

func (conf *Config) CheckAndSetDefaults() error {
	if conf.Store == nil {
		return trace.BadParameter("store is not set")
	}
	if conf.Replayer == nil {
		return trace.BadParameter("replayer is not set")
	}
	if conf.Connectivity == nil {
		return trace.BadParameter("connectivity source is not set")
	}
	if conf.MaxRetryAttempts == 0 {
		conf.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Log == nil {
		conf.Log = logger.Standard()
	}
	return nil
}

// RetryQueue is a durable FIFO of mutating requests that failed because the
// backend was unreachable. Entries are replayed sequentially, in order, with
// a bounded retry budget each; at most one drain pass runs at a time.
type RetryQueue struct {
	conf Config

	lock       sync.Mutex // protects the below fields and queue persistence
	entries    []Entry
	draining   bool
	drainAgain bool
}

// NewRetryQueue creates a retry queue, reloading any entries persisted by a
// previous run.
func NewRetryQueue(conf Config) (*RetryQueue, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	entries, err := LoadEntries(conf.Store)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	q := &RetryQueue{conf: conf, entries: entries}

	if n := len(q.entries); n > 0 {
		conf.Log.WithField("pending", n).Info("Reloaded queued requests from storage")
	}

	return q, nil
}

// LoadEntries reads the persisted queue contents without constructing a
// queue. Useful for inspecting pending requests offline.
func LoadEntries(store storage.Store) ([]Entry, error) {
	payload, err := store.Get(queueKey)
	switch {
	case trace.IsNotFound(err):
		return nil, nil
	case err != nil:
		return nil, trace.Wrap(err)
	}
	entries, err := unmarshalEntries(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

// Enqueue durably appends a request. The entry survives a process kill
// happening before the next drain.
func (q *RetryQueue) Enqueue(ctx context.Context, req client.Request) (string, error) {
	if err := req.Check(); err != nil {
		return "", trace.Wrap(err)
	}

	entry := Entry{
		ID:         uuid.New().String(),
		Request:    req,
		EnqueuedAt: q.conf.Clock.Now().UTC(),
	}

	q.lock.Lock()
	defer q.lock.Unlock()

	q.entries = append(q.entries, entry)
	if err := q.persistLocked(); err != nil {
		// The entry is not durable, so it must not be reported as queued.
		q.entries = q.entries[:len(q.entries)-1]
		return "", trace.Wrap(err)
	}

	return entry.ID, nil
}

// PendingCount returns the number of queued entries.
func (q *RetryQueue) PendingCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.entries)
}

// Pending returns a snapshot of the queued entries in replay order.
func (q *RetryQueue) Pending() []Entry {
	q.lock.Lock()
	defer q.lock.Unlock()

	entries := make([]Entry, len(q.entries))
	copy(entries, q.entries)
	return entries
}

// Drain replays the queued entries sequentially in FIFO order. If the
// device is offline or the queue is empty this is a no-op. A Drain call
// arriving while another drain is running is coalesced into exactly one
// follow-up pass after the active one finishes; the coalesced call itself
// returns zero stats immediately.
func (q *RetryQueue) Drain(ctx context.Context) (Stats, error) {
	q.lock.Lock()
	if q.draining {
		q.drainAgain = true
		q.lock.Unlock()
		return Stats{}, nil
	}
	q.draining = true
	q.drainAgain = false
	q.lock.Unlock()

	defer func() {
		q.lock.Lock()
		q.draining = false
		q.lock.Unlock()
	}()

	var total Stats
	for {
		stats, err := q.drainPass(ctx)
		total.add(stats)
		if err != nil {
			return total, trace.Wrap(err)
		}

		q.lock.Lock()
		again := q.drainAgain
		q.drainAgain = false
		q.lock.Unlock()

		if !again {
			return total, nil
		}
	}
}

// drainPass runs one pass over the entries present at the time each step
// takes place. Entries failing within their budget are skipped until the
// next drain; entries exhausting it are dropped and reported.
func (q *RetryQueue) drainPass(ctx context.Context) (Stats, error) {
	var stats Stats

	if !q.conf.Connectivity.CurrentState().Online {
		return stats, nil
	}

	log := logger.Get(ctx)

	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return stats, trace.Wrap(err)
		}

		q.lock.Lock()
		if index >= len(q.entries) {
			q.lock.Unlock()
			return stats, nil
		}
		entry := q.entries[index]
		q.lock.Unlock()

		if stop, err := q.takeReplayToken(ctx); err != nil {
			return stats, trace.Wrap(err)
		} else if stop {
			log.Debug("Replay rate limit reached, deferring the remaining entries")
			return stats, nil
		}

		replayErr := q.conf.Replayer.Replay(ctx, entry.Request)
		stats.Total++

		var report *Entry

		q.lock.Lock()
		switch {
		case replayErr == nil:
			stats.Succeeded++
			q.entries = append(q.entries[:index], q.entries[index+1:]...)
		default:
			stats.Failed++
			q.entries[index].RetryCount++
			if q.entries[index].RetryCount >= q.conf.MaxRetryAttempts {
				dropped := q.entries[index]
				report = &dropped
				q.entries = append(q.entries[:index], q.entries[index+1:]...)
			} else {
				index++
			}
		}
		// Persist after each entry's outcome is known so that a crash
		// mid-drain can neither duplicate nor silently drop an entry.
		persistErr := q.persistLocked()
		q.lock.Unlock()

		if report != nil {
			log.WithError(replayErr).WithFields(logrus.Fields{
				"id":          report.ID,
				"retry_count": report.RetryCount,
			}).Error("Dropping the request after exhausting its retry budget")
			if q.conf.OnPermanentFailure != nil {
				q.conf.OnPermanentFailure(*report, trace.LimitExceeded("retry budget exhausted: %v", replayErr))
			}
		}
		if persistErr != nil {
			return stats, trace.Wrap(persistErr)
		}

		// The device dropped offline again: stop the pass, the next
		// reconnect will trigger another drain.
		if trace.IsConnectionProblem(replayErr) {
			log.WithError(replayErr).Info("Connectivity was lost mid-drain, deferring the remaining entries")
			return stats, nil
		}
	}
}

// takeReplayToken consults the optional rate limiter. Returns stop=true
// when the limit is reached.
func (q *RetryQueue) takeReplayToken(ctx context.Context) (stop bool, err error) {
	if q.conf.RateLimiter == nil {
		return false, nil
	}

	_, _, _, ok, err := q.conf.RateLimiter.Take(ctx, rateLimiterKey)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return !ok, nil
}

// persistLocked writes the queue to durable storage. Callers must hold
// q.lock: concurrent enqueue and drain persists must not interleave.
func (q *RetryQueue) persistLocked() error {
	payload, err := marshalEntries(q.entries)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(q.conf.Store.Put(queueKey, payload))
}
