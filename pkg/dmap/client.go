// Package dmap is the client for the DMAP dataset API: the endpoint
// catalog, dataset descriptors, listing and payload download.
package dmap

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/errors"
)

const maxListingBytes = 64 << 20

// Getter is the transport the client needs. *clients.HTTPClient
// satisfies it.
type Getter interface {
	Get(ctx context.Context, url string, headers map[string]string) (*http.Response, error)
}

// Config resolves endpoints to URLs and credentials.
type Config struct {
	// BaseURLs maps an environment name to its API root.
	BaseURLs map[string]string
	// Environment is used for endpoints without an override.
	Environment string
	// EnvironmentOverrides pins logical ids to another environment.
	EnvironmentOverrides map[string]string
	APIKeys              map[Category]string
}

// EnvironmentFor resolves which environment serves an endpoint.
func (c Config) EnvironmentFor(id string) string {
	if env, ok := c.EnvironmentOverrides[id]; ok {
		return env
	}
	return c.Environment
}

// EndpointURL returns the listing URL of ep, without query parameters.
func (c Config) EndpointURL(ep Endpoint) (string, error) {
	env := c.EnvironmentFor(ep.LogicalID)
	base, ok := c.BaseURLs[env]
	if !ok {
		return "", errors.Newf(errors.ErrorTypeConfig, "no base URL for environment %q", env).
			WithDetail("endpoint", ep.LogicalID)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + ep.Path, nil
}

// Query holds the optional listing filters. Nil fields are not sent.
type Query struct {
	LastUpdated *time.Time
	StartDate   *time.Time
	EndDate     *time.Time
}

// Values encodes q, dropping empty parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	if q.LastUpdated != nil {
		v.Set("last_updated", FormatTimestamp(*q.LastUpdated))
	}
	if q.StartDate != nil {
		v.Set("start_date", q.StartDate.Format(DateLayout))
	}
	if q.EndDate != nil {
		v.Set("end_date", q.EndDate.Format(DateLayout))
	}
	return v
}

// Payload is a downloaded dataset body in its wire encoding.
type Payload struct {
	Body io.ReadCloser
	// ContentEncoding is the Content-Encoding header, possibly empty.
	ContentEncoding string
	// ContentLength is -1 when unknown.
	ContentLength int64
}

// Client lists and downloads datasets.
type Client struct {
	http   Getter
	cfg    Config
	logger *zap.Logger
}

// NewClient creates a Client.
func NewClient(transport Getter, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   transport,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dmap")),
	}
}

type listResponse struct {
	Success bool         `json:"success"`
	Results []Descriptor `json:"results"`
}

// ListDescriptors returns the datasets of ep last updated at or after
// since. A nil since lists everything.
func (c *Client) ListDescriptors(ctx context.Context, ep Endpoint, since *time.Time) ([]Descriptor, error) {
	return c.List(ctx, ep, Query{LastUpdated: since})
}

// List returns the datasets of ep matching q.
func (c *Client) List(ctx context.Context, ep Endpoint, q Query) ([]Descriptor, error) {
	endpointURL, err := c.cfg.EndpointURL(ep)
	if err != nil {
		return nil, err
	}
	key, ok := c.cfg.APIKeys[ep.Category]
	if !ok || key == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no API key for %s endpoints", ep.Category).
			WithDetail("endpoint", ep.LogicalID)
	}

	params := q.Values()
	params.Set("apikey", key)

	resp, err := c.http.Get(ctx, endpointURL+"?"+params.Encode(), map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetType(err), "list %s", ep.LogicalID)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeConnection, "read listing for %s", ep.LogicalID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, body).WithDetail("endpoint", ep.LogicalID)
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeData, "decode listing for %s", ep.LogicalID).
			WithDetail("response", snippet(body))
	}
	if !lr.Success {
		return nil, errors.Newf(errors.ErrorTypeConnection, "listing for %s was not successful", ep.LogicalID).
			WithDetail("response", snippet(body))
	}

	c.logger.Debug("listed datasets",
		zap.String("endpoint", ep.LogicalID),
		zap.Int("count", len(lr.Results)),
		zap.String("last_updated", params.Get("last_updated")))
	return lr.Results, nil
}

// Fetch downloads the payload of d. The body is returned as sent on the
// wire; the caller closes it.
func (c *Client) Fetch(ctx context.Context, d Descriptor) (*Payload, error) {
	if d.SourceURI == "" {
		return nil, errors.New(errors.ErrorTypeData, "descriptor has no url").WithDetail("dataset_id", d.VersionID)
	}

	resp, err := c.http.Get(ctx, d.SourceURI, map[string]string{"Accept-Encoding": "gzip"})
	if err != nil {
		return nil, errors.Wrapf(err, errors.GetType(err), "fetch %s", d.VersionID)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusError(resp, body).WithDetail("dataset_id", d.VersionID)
	}

	return &Payload{
		Body:            resp.Body,
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentLength:   resp.ContentLength,
	}, nil
}

func statusError(resp *http.Response, body []byte) *errors.Error {
	errType := errors.ErrorTypeConnection
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		errType = errors.ErrorTypePermission
	case http.StatusNotFound:
		errType = errors.ErrorTypeNotFound
	case http.StatusTooManyRequests:
		errType = errors.ErrorTypeRateLimit
	}
	return errors.Newf(errType, "unexpected status %s", resp.Status).
		WithDetail("status", resp.StatusCode).
		WithDetail("response", snippet(body))
}

func snippet(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
