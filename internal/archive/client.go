package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medbridge/go-pix/pkg/circuitbreaker"
)

// ErrNotFound is returned when the archive has no resource with the
// requested ID.
var ErrNotFound = errors.New("archive: resource not found")

// Config holds archive connection settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
	// CallTimeout bounds each individual REST call.
	CallTimeout time.Duration
}

// Client talks to the DICOM archive. All calls run through a circuit
// breaker.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates an archive client.
func NewClient(cfg Config, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.CallTimeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("archive-client"),
	}
}

// Upload stores a DICOM instance in the archive.
func (c *Client) Upload(ctx context.Context, data []byte) (*UploadResult, error) {
	ctx, span := c.tracer.Start(ctx, "archive_upload",
		trace.WithAttributes(attribute.Int("bytes", len(data))))
	defer span.End()

	body, status, err := c.do(ctx, http.MethodPost, "/instances", data, "application/dicom")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("archive upload: unexpected status %d: %s", status, truncate(body))
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode upload result: %w", err)
	}
	span.SetAttributes(attribute.String("parent_patient", result.ParentPatient))
	return &result, nil
}

// ListPatients returns all archive patient IDs.
func (c *Client) ListPatients(ctx context.Context) ([]string, error) {
	return c.listIDs(ctx, "/patients")
}

// GetPatient fetches one archive patient.
func (c *Client) GetPatient(ctx context.Context, id string) (*PatientDetails, error) {
	var details PatientDetails
	if err := c.getJSON(ctx, "/patients/"+url.PathEscape(id), &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// Exists reports whether the archive holds a patient with the given ID.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.GetPatient(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListStudies returns the study IDs belonging to a patient.
func (c *Client) ListStudies(ctx context.Context, patientID string) ([]string, error) {
	details, err := c.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return details.Studies, nil
}

// GetStudy fetches one study.
func (c *Client) GetStudy(ctx context.Context, id string) (*StudyDetails, error) {
	var details StudyDetails
	if err := c.getJSON(ctx, "/studies/"+url.PathEscape(id), &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// ListSeries returns the series IDs within a study.
func (c *Client) ListSeries(ctx context.Context, studyID string) ([]string, error) {
	details, err := c.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}
	return details.Series, nil
}

// GetSeries fetches one series.
func (c *Client) GetSeries(ctx context.Context, id string) (*SeriesDetails, error) {
	var details SeriesDetails
	if err := c.getJSON(ctx, "/series/"+url.PathEscape(id), &details); err != nil {
		return nil, err
	}
	return &details, nil
}

// ListInstances returns the instance IDs within a series.
func (c *Client) ListInstances(ctx context.Context, seriesID string) ([]string, error) {
	details, err := c.GetSeries(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	return details.Instances, nil
}

// FetchInstanceBytes downloads the raw DICOM file of an instance.
func (c *Client) FetchInstanceBytes(ctx context.Context, instanceID string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "archive_fetch_instance",
		trace.WithAttributes(attribute.String("instance_id", instanceID)))
	defer span.End()

	body, status, err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(instanceID)+"/file", nil, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("archive fetch instance: unexpected status %d", status)
	}
	span.SetAttributes(attribute.Int("bytes", len(body)))
	return body, nil
}

// System returns the archive's identity, used for health reporting.
func (c *Client) System(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.getJSON(ctx, "/system", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// BreakerState exposes the circuit state for the connections endpoint.
func (c *Client) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.GetState()
}

func (c *Client) listIDs(ctx context.Context, path string) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, path, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	body, status, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}
	if status != http.StatusOK {
		return fmt.Errorf("archive %s: unexpected status %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do executes one REST call through the circuit breaker with a bounded
// timeout.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, int, error) {
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
		if c.config.Username != "" {
			req.SetBasicAuth(c.config.Username, c.config.Password)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("archive call %s %s: %w", method, path, err)
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

func truncate(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
