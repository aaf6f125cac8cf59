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

package main

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"

	"github.com/watchpost/client-go/auth"
	"github.com/watchpost/client-go/client"
	"github.com/watchpost/client-go/connectivity"
	"github.com/watchpost/client-go/lib/logger"
	"github.com/watchpost/client-go/queue"
	"github.com/watchpost/client-go/lib/storage"
)

// App contains global application state.
type App struct {
	conf Config

	provider  *auth.Provider
	apiClient *client.Client
	queue     *queue.RetryQueue
	monitor   *connectivity.Monitor

	// drainCh coalesces drain triggers from the connectivity monitor and
	// the periodic tick.
	drainCh chan struct{}
	// signedOutCh is closed when the backend terminally rejects the
	// session. A daemon cannot re-prompt for a sign-in, so it stops.
	signedOutCh chan struct{}
	signOutOnce sync.Once
	doneCh      chan struct{}

	lock      sync.Mutex // protects terminate
	terminate context.CancelFunc
}

// NewApp initializes a new sync daemon app and returns it.
func NewApp(conf Config) (*App, error) {
	return &App{
		conf:        conf,
		drainCh:     make(chan struct{}, 1),
		signedOutCh: make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Run builds the access layer and replays the queue until the context is
// canceled, the daemon is shut down, or the session is signed out.
func (a *App) Run(ctx context.Context) error {
	defer close(a.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.lock.Lock()
	a.terminate = cancel
	a.lock.Unlock()

	log := logger.Get(ctx)
	log.Infof("Starting Watchpost sync daemon %s:%s", Version, Gitref)

	if err := a.init(ctx); err != nil {
		return trace.Wrap(err)
	}

	var jobs sync.WaitGroup
	jobs.Add(2)
	go func() {
		defer jobs.Done()
		if err := a.monitor.RunLoop(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Connectivity loop failed")
		}
	}()
	go func() {
		defer jobs.Done()
		a.drainLoop(ctx)
	}()

	if state := a.monitor.ForceCheck(ctx); state.Online {
		log.Info("Backend is reachable")
	} else {
		log.Warning("Backend is unreachable, waiting for connectivity")
	}

	var err error
	select {
	case <-ctx.Done():
	case <-a.signedOutCh:
		err = trace.AccessDenied("session expired, sign-in required")
		cancel()
	}
	jobs.Wait()

	return err
}

// Shutdown implements lib.Terminable.
func (a *App) Shutdown(ctx context.Context) error {
	a.stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.doneCh:
		return nil
	}
}

// Close implements lib.Terminable.
func (a *App) Close() {
	a.stop()
	<-a.doneCh
}

func (a *App) stop() {
	a.lock.Lock()
	terminate := a.terminate
	a.lock.Unlock()
	if terminate != nil {
		terminate()
	}
}

func (a *App) init(ctx context.Context) error {
	log := logger.Get(ctx)

	store, err := storage.NewDiskStore(a.conf.Storage.Dir)
	if err != nil {
		return trace.Wrap(err)
	}

	a.provider, err = auth.NewProvider(auth.ProviderConfig{
		Refresher: auth.NewHTTPRefresher(a.conf.Backend.RefreshURL),
		Store:     store,
		OnSignOut: a.onSignOut,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	a.apiClient, err = client.NewClient(client.Config{
		APIURL:             a.conf.Backend.APIURL,
		CredentialProvider: a.provider,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var rateLimiter limiter.Store
	if n := a.conf.Sync.ReplaysPerMinute; n > 0 {
		rateLimiter, err = memorystore.New(&memorystore.Config{
			Tokens:   uint64(n),
			Interval: time.Minute,
		})
		if err != nil {
			return trace.Wrap(err)
		}
	}

	a.monitor, err = connectivity.NewMonitor(connectivity.MonitorConfig{
		Probe:         connectivity.HTTPProbe(a.conf.Backend.HealthURL),
		ProbeInterval: a.conf.ProbeInterval(),
		OnOnline:      a.triggerDrain,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	a.queue, err = queue.NewRetryQueue(queue.Config{
		Store:            store,
		Replayer:         a.apiClient,
		Connectivity:     a.monitor,
		MaxRetryAttempts: a.conf.Sync.MaxRetryAttempts,
		RateLimiter:      rateLimiter,
		OnPermanentFailure: func(entry queue.Entry, err error) {
			log.WithError(err).WithFields(logger.Fields{
				"id":     entry.ID,
				"method": entry.Request.Method,
				"path":   entry.Request.Path,
			}).Error("Dropping request after exhausting its retry budget")
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}
	a.apiClient.SetQueue(a.queue)

	return nil
}

// drainLoop replays the queue whenever connectivity comes back, and
// periodically while online in case a previous pass left entries behind.
func (a *App) drainLoop(ctx context.Context) {
	log := logger.Get(ctx)

	ticker := time.NewTicker(a.conf.ProbeInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.queue.PendingCount() == 0 || !a.monitor.CurrentState().Online {
				continue
			}
		case <-a.drainCh:
		}

		stats, err := a.queue.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Queue drain failed")
		}
		if stats.Total > 0 {
			log.WithFields(logger.Fields{
				"succeeded": stats.Succeeded,
				"failed":    stats.Failed,
			}).Info("Queue drain finished")
		}
	}
}

func (a *App) triggerDrain() {
	select {
	case a.drainCh <- struct{}{}:
	default:
	}
}

func (a *App) onSignOut() {
	a.signOutOnce.Do(func() {
		close(a.signedOutCh)
	})
}
