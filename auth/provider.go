package auth

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/watchpost/client-go/lib/logger"
	"github.com/watchpost/client-go/lib/storage"
)

// defaultExpiryMargin is subtracted from the token expiry when judging
// whether a cached token is still usable for an outgoing request.
const defaultExpiryMargin = 30 * time.Second

// credentialsKey is the storage key the credentials are persisted under.
const credentialsKey = "credentials"

// Refresher exchanges a refresh token for a fresh set of credentials.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
}

// ProviderConfig stores the dependencies of a Provider.
type ProviderConfig struct {
	// Refresher is called to rotate expired credentials.
	Refresher Refresher
	// Store persists credentials across process restarts.
	Store storage.Store
	// Clock is used to judge token freshness.
	Clock clockwork.Clock
	// ExpiryMargin is the safety margin before the hard token expiry.
	ExpiryMargin time.Duration
	// OnSignOut is called when a refresh fails terminally and the session
	// cannot be recovered. Optional.
	OnSignOut func()
	// Log is the logger. Optional.
	Log logrus.FieldLogger
}

func (conf *ProviderConfig) CheckAndSetDefaults() error {
	if conf.Refresher == nil {
		return trace.BadParameter("refresher is not set")
	}
	if conf.Store == nil {
		return trace.BadParameter("store is not set")
	}
	if conf.Clock == nil {
		conf.Clock = clockwork.NewRealClock()
	}
	if conf.ExpiryMargin == 0 {
		conf.ExpiryMargin = defaultExpiryMargin
	}
	if conf.Log == nil {
		conf.Log = logger.Standard()
	}
	return nil
}

// Provider owns the current credentials and rotates them on demand.
//
// Any number of concurrent callers observing a stale token results in
// exactly one refresh call against the backend; all callers share its
// result.
type Provider struct {
	conf ProviderConfig

	refreshGroup singleflight.Group

	lock  sync.RWMutex // protects the below fields
	creds *Credentials
}

// NewProvider creates a credential provider, picking up any credentials
// persisted by a previous run.
func NewProvider(conf ProviderConfig) (*Provider, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	provider := &Provider{conf: conf}

	creds, err := provider.loadCredentials()
	switch {
	case trace.IsNotFound(err):
		// No persisted session. The application is expected to call
		// SetCredentials after an interactive sign-in.
	case err != nil:
		return nil, trace.Wrap(err)
	default:
		provider.creds = creds
	}

	return provider, nil
}

// GetCredentials returns credentials which are valid "now", refreshing them
// first if the cached ones are expired or close to expiry.
func (p *Provider) GetCredentials(ctx context.Context) (*Credentials, error) {
	creds := p.current()
	if creds.ValidAt(p.conf.Clock.Now(), p.conf.ExpiryMargin) {
		return creds, nil
	}

	return p.refresh(ctx, creds)
}

// ForceRefresh unconditionally rotates the credentials. It is called by the
// request pipeline after the backend rejected the current token.
func (p *Provider) ForceRefresh(ctx context.Context) (*Credentials, error) {
	return p.refresh(ctx, p.current())
}

// SetCredentials installs and persists credentials obtained outside of the
// refresh flow (i.e. an interactive sign-in).
func (p *Provider) SetCredentials(ctx context.Context, creds *Credentials) error {
	if creds == nil {
		return trace.BadParameter("credentials are not set")
	}
	if err := creds.CheckAndSetExpiry(); err != nil {
		return trace.Wrap(err)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.storeCredentials(creds); err != nil {
		return trace.Wrap(err)
	}
	p.creds = creds

	return nil
}

// Invalidate drops the cached and persisted credentials. Called on sign-out.
func (p *Provider) Invalidate() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.creds = nil

	return trace.Wrap(p.conf.Store.Delete(credentialsKey))
}

func (p *Provider) current() *Credentials {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.creds
}

// refresh rotates the credentials through a singleflight group so that
// concurrent callers observing the same stale token issue a single refresh
// call and share its result. Racing refreshes can invalidate each other's
// tokens depending on the backend rotation policy, so this is a correctness
// requirement, not an optimization.
func (p *Provider) refresh(ctx context.Context, stale *Credentials) (*Credentials, error) {
	var key string
	if stale != nil {
		key = stale.AccessToken
	}

	result, err, _ := p.refreshGroup.Do(key, func() (interface{}, error) {
		// Another flight might have rotated the credentials already.
		current := p.current()
		if current != nil && (stale == nil || current.AccessToken != stale.AccessToken) {
			if current.ValidAt(p.conf.Clock.Now(), p.conf.ExpiryMargin) {
				return current, nil
			}
		}

		return p.doRefresh(ctx, current)
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return result.(*Credentials), nil
}

func (p *Provider) doRefresh(ctx context.Context, stale *Credentials) (*Credentials, error) {
	if stale == nil || stale.RefreshToken == "" {
		p.signOut()
		return nil, trace.AccessDenied("no session to refresh, sign-in required")
	}

	creds, err := p.conf.Refresher.Refresh(ctx, stale.RefreshToken)
	switch {
	case trace.IsAccessDenied(err):
		// The refresh token itself was rejected. The session is over.
		p.conf.Log.WithError(err).Warning("Refresh token was rejected, signing out")
		p.signOut()
		return nil, trace.Wrap(err)
	case err != nil:
		// Transient failures (e.g. the device is offline) must not
		// terminate the session.
		return nil, trace.Wrap(err)
	}

	if err := creds.CheckAndSetExpiry(); err != nil {
		return nil, trace.Wrap(err)
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.storeCredentials(creds); err != nil {
		return nil, trace.Wrap(err)
	}
	p.creds = creds
	p.conf.Log.WithField("expires_at", creds.ExpiresAt).Debug("Refreshed credentials")

	return creds, nil
}

func (p *Provider) signOut() {
	if p.conf.OnSignOut != nil {
		p.conf.OnSignOut()
	}
}

// loadCredentials reads the persisted credentials.
func (p *Provider) loadCredentials() (*Credentials, error) {
	payload, err := p.conf.Store.Get(credentialsKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var creds Credentials
	if err := jsoniter.Unmarshal(payload, &creds); err != nil {
		return nil, trace.Wrap(err)
	}
	if creds.AccessToken == "" {
		return nil, trace.NotFound("stored credentials are missing `access_token`")
	}

	return &creds, nil
}

// storeCredentials atomically replaces the persisted credentials.
// Callers must hold p.lock.
func (p *Provider) storeCredentials(creds *Credentials) error {
	payload, err := jsoniter.Marshal(creds)
	if err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(p.conf.Store.Put(credentialsKey, payload))
}
