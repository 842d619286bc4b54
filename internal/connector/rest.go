package connector

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/quantfeed/marketpipe/internal/config"
)

// REST is a shared http client for vendor REST endpoints.
type REST struct {
	Client *http.Client
	Cfg    *config.REST
}

var rest REST

// InitREST initializes the shared REST client with configured values.
func InitREST(cfg *config.REST) *REST {
	if rest.Client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConnsPerHost
		rest = REST{
			Client: &http.Client{
				Timeout:   time.Duration(cfg.ReqTimeoutSec) * time.Second,
				Transport: transport,
			},
			Cfg: cfg,
		}
	}
	return &rest
}

// GetREST returns the already prepared REST client.
func GetREST() (*REST, error) {
	if rest.Client == nil {
		return nil, errors.New("REST connection is not initialized")
	}
	return &rest, nil
}

// Request creates a GET request for the given url.
func (r *REST) Request(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Do sends the request.
func (r *REST) Do(req *http.Request) (*http.Response, error) {
	return r.Client.Do(req)
}
