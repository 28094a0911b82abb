// Package scimclient implements the one-shot SCIM HTTP client of spec §4.6:
// given a destination, a bearer token, and a request shape, perform exactly
// one HTTP call and return a typed result value rather than letting
// transport failures surface as Go errors the caller must unwrap.
package scimclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Request describes one SCIM HTTP call.
type Request struct {
	Method       string // POST, PUT, PATCH, DELETE, GET
	ResourcePath string // e.g. "Users" or "Groups"
	ResourceID   string // optional; appended as a path segment when non-empty
	Body         any    // optional; marshaled as application/scim+json when non-nil
}

// Response is the typed result of one SCIM HTTP call, replacing the
// exception-for-control-flow shape of the source system per spec §9:
// transport failures are reflected as Status 0 with ErrorMessage set rather
// than a returned error, so retry classification (pkg/scim) can stay a
// pure function of this value.
type Response struct {
	Status         int
	Body           []byte
	SCIMResourceID string
	ErrorMessage   string
}

// IsSuccess reports whether the response represents a 2xx outcome.
func (r Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// Client performs one-shot SCIM HTTP calls with a bounded total timeout.
// The transport is wrapped in an oauth2.Transport carrying a
// oauth2.StaticTokenSource for the attempt's freshly minted bearer token —
// the token is never an OAuth-flow-acquired token, but this gives every
// outbound call the same client-timeout/retry-free transport shape
// golang.org/x/oauth2 already provides the rest of this pack's HTTP
// clients, instead of hand-rolling an Authorization header setter.
type Client struct {
	totalTimeout   time.Duration
	connectTimeout time.Duration
	baseTransport  http.RoundTripper
}

// New creates a Client. totalTimeout and connectTimeout default to 30s each
// when zero, matching spec §4.6's defaults.
func New(totalTimeout, connectTimeout time.Duration) *Client {
	if totalTimeout <= 0 {
		totalTimeout = 30 * time.Second
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	return &Client{
		totalTimeout:   totalTimeout,
		connectTimeout: connectTimeout,
		baseTransport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
}

// Do performs one SCIM HTTP call against baseURL using token as a bearer
// credential. It never returns a non-nil error for transport failures;
// those are reflected in the returned Response per spec §9.
func (c *Client) Do(ctx context.Context, baseURL, token string, req Request) Response {
	url := buildURL(baseURL, req.ResourcePath, req.ResourceID)

	var bodyReader io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return Response{ErrorMessage: "marshaling request body: " + err.Error()}
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		return Response{ErrorMessage: "building request: " + err.Error()}
	}
	httpReq.Header.Set("Accept", "application/scim+json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/scim+json")
	}

	ctx, cancel := context.WithTimeout(ctx, c.totalTimeout)
	defer cancel()
	httpReq = httpReq.WithContext(ctx)

	transport := &oauth2.Transport{
		Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
		Base:   c.baseTransport,
	}
	httpClient := &http.Client{Transport: transport}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return Response{Status: 0, ErrorMessage: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{Status: resp.StatusCode, ErrorMessage: "reading response body: " + err.Error()}
	}

	out := Response{Status: resp.StatusCode, Body: body}
	if out.IsSuccess() {
		out.SCIMResourceID = extractID(body)
	}
	return out
}

// extractID pulls the top-level "id" field out of a successful response
// body; spec §4.6 permits regex-tolerant extraction, but a plain top-level
// JSON unmarshal is both simpler and stricter for a well-formed SCIM server.
func extractID(body []byte) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return ""
	}
	return envelope.ID
}

func buildURL(baseURL, resourcePath, resourceID string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(baseURL, "/"))
	b.WriteByte('/')
	b.WriteString(strings.TrimLeft(resourcePath, "/"))
	if resourceID != "" {
		b.WriteByte('/')
		b.WriteString(resourceID)
	}
	return b.String()
}
