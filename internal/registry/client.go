package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/pkg/circuitbreaker"
)

// ErrPatientNotFound is returned when the registry has no patient with
// the requested UUID.
var ErrPatientNotFound = errors.New("registry: patient not found")

// Config holds registry connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// CallTimeout bounds each individual REST call.
	CallTimeout time.Duration
	// IdentifierTypeUUID and LocationUUID are required by the registry
	// when creating patient identifiers.
	IdentifierTypeUUID string
	LocationUUID       string
}

// Client talks to the patient registry. All calls run through a circuit
// breaker so a flapping registry cannot pile up goroutines.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a registry client.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("registry-client"),
	}
}

// Search runs the registry's fuzzy patient search. Results match on any
// of identifier, name or display text.
func (c *Client) Search(ctx context.Context, q string) ([]Patient, error) {
	ctx, span := c.tracer.Start(ctx, "registry_search",
		trace.WithAttributes(attribute.String("query", q)))
	defer span.End()

	patients, err := c.search(ctx, q)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(patients)))
	return patients, nil
}

// FindByIdentifier returns the patients whose identifier equals the given
// value exactly. The registry search is fuzzy, so results are filtered to
// exact identifier matches before returning.
func (c *Client) FindByIdentifier(ctx context.Context, identifier string) ([]Patient, error) {
	ctx, span := c.tracer.Start(ctx, "registry_find_by_identifier",
		trace.WithAttributes(attribute.String("identifier", identifier)))
	defer span.End()

	candidates, err := c.search(ctx, identifier)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var matches []Patient
	for _, p := range candidates {
		for _, id := range p.Identifiers {
			if id == identifier {
				matches = append(matches, p)
				break
			}
		}
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// FindByDemographics returns the patients whose family name, given name
// and birth date all match. Names compare case-insensitively; birth dates
// compare on the calendar date only.
func (c *Client) FindByDemographics(ctx context.Context, familyName, givenName, birthDate string) ([]Patient, error) {
	ctx, span := c.tracer.Start(ctx, "registry_find_by_demographics")
	defer span.End()

	candidates, err := c.search(ctx, familyName)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var matches []Patient
	for _, p := range candidates {
		if strings.EqualFold(p.FamilyName, familyName) &&
			strings.EqualFold(p.GivenName, givenName) &&
			dateOnly(p.BirthDate) == dateOnly(birthDate) {
			matches = append(matches, p)
		}
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// GetPatient fetches a single patient by UUID.
func (c *Client) GetPatient(ctx context.Context, uuid string) (*Patient, error) {
	ctx, span := c.tracer.Start(ctx, "registry_get_patient",
		trace.WithAttributes(attribute.String("patient_uuid", uuid)))
	defer span.End()

	body, status, err := c.do(ctx, http.MethodGet, "/ws/rest/v1/patient/"+url.PathEscape(uuid)+"?v=full", nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrPatientNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("registry get patient: unexpected status %d", status)
	}

	var rp restPatient
	if err := json.Unmarshal(body, &rp); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	p := rp.toPatient()
	return &p, nil
}

// Exists reports whether the registry has an active patient with the
// given UUID.
func (c *Client) Exists(ctx context.Context, uuid string) (bool, error) {
	_, err := c.GetPatient(ctx, uuid)
	if errors.Is(err, ErrPatientNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreatePatient registers a new patient.
func (c *Client) CreatePatient(ctx context.Context, np NewPatient) (*Patient, error) {
	ctx, span := c.tracer.Start(ctx, "registry_create_patient")
	defer span.End()

	payload := map[string]interface{}{
		"person": map[string]interface{}{
			"names": []map[string]string{{
				"givenName":  np.GivenName,
				"familyName": np.FamilyName,
			}},
			"gender":    np.Gender,
			"birthdate": np.BirthDate,
		},
		"identifiers": []map[string]interface{}{{
			"identifier":     np.Identifier,
			"identifierType": c.config.IdentifierTypeUUID,
			"location":       c.config.LocationUUID,
			"preferred":      true,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode patient: %w", err)
	}

	respBody, status, err := c.do(ctx, http.MethodPost, "/ws/rest/v1/patient", body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, fmt.Errorf("registry create patient: unexpected status %d: %s", status, truncate(respBody))
	}

	var rp restPatient
	if err := json.Unmarshal(respBody, &rp); err != nil {
		return nil, fmt.Errorf("decode created patient: %w", err)
	}
	p := rp.toPatient()

	c.logger.Info("registry patient created",
		zap.String("patient_uuid", p.UUID),
		zap.String("identifier", np.Identifier))
	return &p, nil
}

// Ping checks registry reachability for health reporting.
func (c *Client) Ping(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodGet, "/ws/rest/v1/session", nil)
	if err != nil {
		return err
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("registry ping: status %d", status)
	}
	return nil
}

// BreakerState exposes the circuit state for the connections endpoint.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.GetState()
}

func (c *Client) search(ctx context.Context, q string) ([]Patient, error) {
	path := "/ws/rest/v1/patient?q=" + url.QueryEscape(q) + "&v=full"
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("registry search: unexpected status %d", status)
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	patients := make([]Patient, 0, len(resp.Results))
	for _, rp := range resp.Results {
		patients = append(patients, rp.toPatient())
	}
	return patients, nil
}

// do executes one REST call through the circuit breaker with a bounded
// timeout. The response body is fully read so the breaker sees transport
// failures, not just connect failures.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	type response struct {
		body   []byte
		status int
	}

	call := func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(callCtx, method, c.config.BaseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.SetBasicAuth(c.config.Username, c.config.Password)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("registry call %s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return response{body: respBody, status: resp.StatusCode}, nil
	}

	var result interface{}
	var err error
	if c.breaker != nil {
		result, err = c.breaker.Execute(ctx, call)
	} else {
		result, err = call()
	}
	if err != nil {
		return nil, 0, err
	}
	resp := result.(response)
	return resp.body, resp.status, nil
}

// dateOnly reduces a timestamp like "1980-02-15T00:00:00.000+0000" to its
// date portion.
func dateOnly(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
