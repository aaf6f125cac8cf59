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

package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/watchpost/client-go/lib"
	"github.com/watchpost/client-go/lib/backoff"
	"github.com/watchpost/client-go/lib/logger"
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeInterval = 30 * time.Second

	// Re-probe cadence while offline. Starts aggressive and backs off.
	offlineBackoffBase = 2 * time.Second
	offlineBackoffCap  = 30 * time.Second
)

// Probe checks whether the backend is currently reachable.
// Any returned error, including a timeout, is judged as "offline" rather
// than propagated: connectivity state is a best-effort signal.
type Probe func(ctx context.Context) error

// State is a snapshot of the connectivity state. Generation increases on
// every online/offline transition and allows consumers to detect that the
// state they acted upon is stale.
type State struct {
	Online     bool
	Generation uint64
}

// Listener receives the current state on subscription and every transition
// afterwards.
type Listener func(State)

// MonitorConfig stores the dependencies of a Monitor.
type MonitorConfig struct {
	// Probe performs the active reachability check.
	Probe Probe
	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration
	// ProbeInterval is the pause between probes while online.
	ProbeInterval time.Duration
	// OnOnline is called once per offline->online transition. Optional.
	OnOnline func()
	// Clock is used for probe scheduling.
	Clock clockwork.Clock
	// Log is the logger. Optional.
	Log logrus.FieldLogger
}

func (conf *MonitorConfig) CheckAndSetDefaults() error {
	if conf.Probe == nil {
		return trace.BadParameter("probe is not set")
	}
	if conf.ProbeTimeout == 0 {
		conf.ProbeTimeout = defaultProbeTimeout
	}
	if conf.ProbeInterval == 0 {
		conf.ProbeInterval = defaultProbeInterval
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.Log == nil {
		conf.Log = logger.Standard()
	}
	return nil
}

// Monitor is the single source of truth for "can the device currently reach
// the backend". It starts in the offline state until the first check.
type Monitor struct {
	conf MonitorConfig

	lock      sync.Mutex // protects the below fields
	state     State
	listeners map[uint64]Listener
	nextID    uint64
}

// NewMonitor creates a connectivity monitor.
func NewMonitor(conf MonitorConfig) (*Monitor, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	return &Monitor{
		conf:      conf,
		listeners: make(map[uint64]Listener),
	}, nil
}

// CurrentState returns a snapshot of the connectivity state.
func (m *Monitor) CurrentState() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// Subscribe registers a listener. The listener is invoked immediately with
// the current state and again on every transition. The returned function
// unsubscribes this listener without affecting the others.
func (m *Monitor) Subscribe(listener Listener) (unsubscribe func()) {
	m.lock.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listener
	state := m.state
	m.lock.Unlock()

	listener(state)

	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.listeners, id)
	}
}

// ForceCheck performs an active probe and updates the state immediately.
func (m *Monitor) ForceCheck(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.conf.ProbeTimeout)
	defer cancel()

	err := m.conf.Probe(probeCtx)
	if err != nil && !lib.IsCanceled(err) {
		m.conf.Log.WithError(err).Debug("Connectivity probe failed")
	}

	return m.setOnline(err == nil)
}

// RunLoop probes periodically until the context is done. While offline it
// re-probes on a decorrelated backoff schedule instead of the regular
// interval so reconnects are noticed quickly.
func (m *Monitor) RunLoop(ctx context.Context) error {
	var offlineBackoff backoff.Backoff

	for {
		state := m.ForceCheck(ctx)

		if state.Online {
			offlineBackoff = nil
			select {
			case <-m.conf.Clock.After(m.conf.ProbeInterval):
			case <-ctx.Done():
				return trace.Wrap(ctx.Err())
			}
			continue
		}

		if offlineBackoff == nil {
			offlineBackoff = backoff.NewDecorr(offlineBackoffBase, offlineBackoffCap, m.conf.Clock)
		}
		if err := offlineBackoff.Do(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
}

// setOnline records the probe verdict, notifying listeners and firing the
// drain trigger when a transition happened.
func (m *Monitor) setOnline(online bool) State {
	m.lock.Lock()

	if m.state.Online == online {
		state := m.state
		m.lock.Unlock()
		return state
	}

	m.state = State{Online: online, Generation: m.state.Generation + 1}
	state := m.state

	listeners := make([]Listener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	m.lock.Unlock()

	if online {
		m.conf.Log.WithField("generation", state.Generation).Info("Connectivity restored")
	} else {
		m.conf.Log.WithField("generation", state.Generation).Info("Connectivity lost")
	}

	// Listeners and the drain trigger run outside the lock so they are free
	// to call back into the monitor.
	for _, listener := range listeners {
		listener(state)
	}
	if online && m.conf.OnOnline != nil {
		m.conf.OnOnline()
	}

	return state
}
