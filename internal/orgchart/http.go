package orgchart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/resilience"
	"github.com/pitabwire/escalator/model"
)

const dependencyName = "org-service"

// HTTPResolver resolves targets against the org-structure REST service:
//
//	GET {base}/tenants/{tenant}/roles/{role}/holders -> {"holders": [Person]}
//	GET {base}/tenants/{tenant}/users/{user}/manager -> Person, 404 if none
//	GET {base}/tenants/{tenant}/users/{user}         -> Person, 404 if unknown
type HTTPResolver struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *resilience.Breaker
}

// HTTPResolverConfig configures an HTTPResolver.
type HTTPResolverConfig struct {
	BaseURL string
	// Token, if set, is sent as a bearer credential.
	Token   string
	Timeout time.Duration
	Breaker *resilience.Breaker
	// Client overrides the default HTTP client. For testing.
	Client *http.Client
}

// NewHTTPResolver creates a resolver for the org service at cfg.BaseURL.
func NewHTTPResolver(cfg HTTPResolverConfig) *HTTPResolver {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.New(dependencyName, resilience.Settings{})
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
		breaker: breaker,
	}
}

// ResolveEscalationTarget implements Resolver.
func (r *HTTPResolver) ResolveEscalationTarget(ctx context.Context, tenantID string, target model.EscalationTarget, currentAssigneeID string) (string, error) {
	ctx, span := observability.StartSpan(ctx, "orgchart.resolve",
		observability.AttrDependency.String(dependencyName),
		observability.AttrTenantID.String(tenantID),
	)
	id, err := resolve(ctx, r, tenantID, target, currentAssigneeID)
	observability.EndSpanWithError(span, err)
	return id, err
}

// HealthCheck reports whether the org service breaker is letting calls
// through.
func (r *HTTPResolver) HealthCheck(context.Context) error {
	if r.breaker.State() == resilience.Open {
		return model.NewBackendUnavailableError(dependencyName)
	}
	return nil
}

func (r *HTTPResolver) user(ctx context.Context, tenantID, userID string) (Person, bool, error) {
	var p Person
	found, err := r.getJSON(ctx, &p, "tenants", tenantID, "users", userID)
	return p, found, err
}

func (r *HTTPResolver) manager(ctx context.Context, tenantID, userID string) (Person, bool, error) {
	var p Person
	found, err := r.getJSON(ctx, &p, "tenants", tenantID, "users", userID, "manager")
	if found && p.ID == "" {
		found = false
	}
	return p, found, err
}

func (r *HTTPResolver) roleHolders(ctx context.Context, tenantID, role string) ([]Person, error) {
	var body struct {
		Holders []Person `json:"holders"`
	}
	if _, err := r.getJSON(ctx, &body, "tenants", tenantID, "roles", role, "holders"); err != nil {
		return nil, err
	}
	return body.Holders, nil
}

// getJSON fetches the path built from segments and decodes it into out.
// A 404 returns found=false without error. Only transport failures and
// 5xx responses count against the breaker.
func (r *HTTPResolver) getJSON(ctx context.Context, out any, segments ...string) (bool, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	reqURL := r.baseURL + "/" + strings.Join(escaped, "/")

	var status int
	var body []byte
	err := r.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("orgchart: build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}
		observability.InjectTraceHeaders(ctx, req.Header)

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		body, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("orgchart: read response: %w", err)
		}
		if status >= 500 {
			return fmt.Errorf("orgchart: %s returned %d", dependencyName, status)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return false, model.NewBackendTimeoutError(dependencyName)
		}
		return false, err
	}

	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status < 200 || status >= 300:
		return false, fmt.Errorf("orgchart: %s returned %d for %s", dependencyName, status, reqURL)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("orgchart: decode %s: %w", reqURL, err)
	}
	return true, nil
}
