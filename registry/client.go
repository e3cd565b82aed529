// Package registry is a thin adapter over the external teacher registry.
// Matching policy lives in the matching package; this client only performs
// the remote calls, under a hard per-call timeout.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Record is one teacher registry entry.
type Record struct {
	Trn                     string     `json:"trn"`
	FirstName               string     `json:"firstName"`
	LastName                string     `json:"lastName"`
	PreviousLastNames       []string   `json:"previousLastNames,omitempty"`
	DateOfBirth             *time.Time `json:"dateOfBirth,omitempty"`
	NationalInsuranceNumber string     `json:"nationalInsuranceNumber,omitempty"`
	EmailAddress            string     `json:"emailAddress,omitempty"`
	QtsAwardedAt            *time.Time `json:"qtsAwardedAt,omitempty"`
}

// Query carries the identity attributes a candidate search runs against.
// Empty fields are omitted from the request.
type Query struct {
	FirstName               string
	LastName                string
	PreviousLastName        string
	DateOfBirth             *time.Time
	NationalInsuranceNumber string
	Trn                     string
	EmailAddress            string
}

// Client queries the external teacher registry.
type Client interface {
	// FindCandidates returns the registry records matching the query.
	FindCandidates(ctx context.Context, q Query) ([]Record, error)
	// GetByTrn returns the record for a TRN, or nil when none exists.
	GetByTrn(ctx context.Context, trn string) (*Record, error)
}

// HTTPClient talks to the registry's HTTP API. Every call runs under the
// configured timeout regardless of the caller's context.
type HTTPClient struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

// NewHTTPClient creates a registry client. timeout should be short (seconds,
// not minutes): a slow registry must never hold a sign-in request hostage.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) FindCandidates(ctx context.Context, q Query) ([]Record, error) {
	params := url.Values{}
	setIfPresent := func(key, value string) {
		if value != "" {
			params.Set(key, value)
		}
	}
	setIfPresent("firstName", q.FirstName)
	setIfPresent("lastName", q.LastName)
	setIfPresent("previousLastName", q.PreviousLastName)
	setIfPresent("nationalInsuranceNumber", q.NationalInsuranceNumber)
	setIfPresent("trn", q.Trn)
	setIfPresent("emailAddress", q.EmailAddress)
	if q.DateOfBirth != nil {
		params.Set("dateOfBirth", q.DateOfBirth.Format("2006-01-02"))
	}

	var body struct {
		Results []Record `json:"results"`
	}
	if err := c.get(ctx, "/v3/teachers?"+params.Encode(), &body); err != nil {
		return nil, err
	}
	return body.Results, nil
}

func (c *HTTPClient) GetByTrn(ctx context.Context, trn string) (*Record, error) {
	var record Record
	err := c.get(ctx, "/v3/teachers/"+url.PathEscape(trn), &record)
	if err != nil {
		if err == errNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

var errNotFound = fmt.Errorf("registry record not found")

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode registry response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
