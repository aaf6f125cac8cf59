package connectivity

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
)

// HTTPProbe builds a Probe that checks reachability of an HTTP health
// endpoint. The probe succeeds only when the endpoint answers 200 OK.
func HTTPProbe(healthURL string) Probe {
	client := resty.New()
	return func(ctx context.Context) error {
		resp, err := client.R().SetContext(ctx).Get(healthURL)
		if err != nil {
			return trace.ConnectionProblem(err, "probing %v", healthURL)
		}
		if resp.StatusCode() != http.StatusOK {
			return trace.ConnectionProblem(nil, "health endpoint returned %v", resp.StatusCode())
		}
		return nil
	}
}
