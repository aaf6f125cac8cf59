package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/julienschmidt/httprouter"
)

// FakeBackend is a minimal stand-in for the Watchpost API: it checks the
// bearer token and records every call it receives.
type FakeBackend struct {
	srv *httptest.Server

	mu         sync.Mutex
	validToken string
	requests   []RecordedRequest

	incidentCounter uint64
}

type RecordedRequest struct {
	Method string
	Path   string
	Token  string
	Body   []byte
}

func NewFakeBackend(validToken string) *FakeBackend {
	router := httprouter.New()

	b := &FakeBackend{validToken: validToken}
	b.srv = httptest.NewServer(router)

	router.GET("/api/incidents", b.authorized(func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respondJSON(rw, http.StatusOK, map[string]interface{}{"incidents": []string{}})
	}))
	router.POST("/api/incidents", b.authorized(func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		id := atomic.AddUint64(&b.incidentCounter, 1)
		respondJSON(rw, http.StatusCreated, map[string]interface{}{"id": id})
	}))
	router.GET("/api/forbidden", b.authorized(func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respondJSON(rw, http.StatusForbidden, map[string]interface{}{"error": "no access to this incident"})
	}))
	router.GET("/api/broken", b.authorized(func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		respondJSON(rw, http.StatusInternalServerError, map[string]interface{}{"error": "boom"})
	}))

	return b
}

func (b *FakeBackend) authorized(handle httprouter.Handle) httprouter.Handle {
	return func(rw http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		body, err := io.ReadAll(r.Body)
		panicIf(err)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Token:  token,
			Body:   body,
		})
		valid := token == b.validToken
		b.mu.Unlock()

		if !valid {
			respondJSON(rw, http.StatusUnauthorized, map[string]interface{}{"error": "token expired"})
			return
		}
		handle(rw, r, ps)
	}
}

func (b *FakeBackend) URL() string {
	return b.srv.URL
}

func (b *FakeBackend) SetValidToken(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.validToken = token
}

func (b *FakeBackend) Requests() []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RecordedRequest(nil), b.requests...)
}

func (b *FakeBackend) Close() {
	b.srv.Close()
}

func respondJSON(rw http.ResponseWriter, status int, payload interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	err := json.NewEncoder(rw).Encode(payload)
	panicIf(err)
}

func panicIf(err error) {
	if err != nil {
		panic(err)
	}
}

// newBlockingServer returns a server that never answers until the given
// channel is closed. Used to exercise the dispatch timeout path.
func newBlockingServer(t *testing.T, blocked <-chan struct{}) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		<-blocked
		rw.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}
