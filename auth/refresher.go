package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
)

const refreshTimeout = 10 * time.Second

// HTTPRefresher rotates a session against the Watchpost identity
// service refresh endpoint.
type HTTPRefresher struct {
	client *resty.Client
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresInSeconds int    `json:"expires_in"`
}

// NewHTTPRefresher returns a refresher posting to the given refresh URL.
func NewHTTPRefresher(refreshURL string) *HTTPRefresher {
	client := resty.
		NewWithClient(&http.Client{Timeout: refreshTimeout}).
		SetBaseURL(refreshURL).
		SetHeader("Content-Type", "application/json")
	return &HTTPRefresher{client: client}
}

// Refresh implements Refresher.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	var result refreshResponse

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(refreshRequest{RefreshToken: refreshToken}).
		SetResult(&result).
		Post("")
	if err != nil {
		return nil, trace.ConnectionProblem(err, "refreshing credentials")
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, trace.AccessDenied("refresh token was rejected")
	case code != http.StatusOK:
		return nil, trace.Errorf("unexpected status %v from refresh endpoint", code)
	}

	creds := &Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresInSeconds > 0 {
		creds.ExpiresAt = time.Now().UTC().Add(time.Duration(result.ExpiresInSeconds) * time.Second)
	}
	if err := creds.CheckAndSetExpiry(); err != nil {
		return nil, trace.Wrap(err)
	}
	return creds, nil
}
