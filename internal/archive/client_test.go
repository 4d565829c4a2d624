package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:     srv.URL,
		CallTimeout: 2 * time.Second,
	}, nil, nil)
}

func TestUpload(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/instances" {
			t.Errorf("got %s %s, want POST /instances", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/dicom" {
			t.Errorf("content-type = %q, want application/dicom", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "DICM-bytes" {
			t.Errorf("body = %q", body)
		}
		json.NewEncoder(w).Encode(UploadResult{
			ID:            "inst-1",
			ParentPatient: "pat-1",
			ParentStudy:   "study-1",
			ParentSeries:  "series-1",
			Status:        "Success",
		})
	})

	result, err := client.Upload(context.Background(), []byte("DICM-bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ParentPatient != "pat-1" {
		t.Errorf("parent_patient = %s, want pat-1", result.ParentPatient)
	}
}

func TestHierarchyTraversal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/patients":
			json.NewEncoder(w).Encode([]string{"pat-1", "pat-2"})
		case "/patients/pat-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ID":      "pat-1",
				"Studies": []string{"study-1"},
			})
		case "/studies/study-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ID":     "study-1",
				"Series": []string{"series-1"},
			})
		case "/series/series-1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"ID":        "series-1",
				"Instances": []string{"inst-1", "inst-2"},
			})
		case "/instances/inst-1/file":
			w.Write([]byte("DICM"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	patients, err := client.ListPatients(ctx)
	if err != nil || len(patients) != 2 {
		t.Fatalf("patients = %v, err = %v", patients, err)
	}
	studies, err := client.ListStudies(ctx, "pat-1")
	if err != nil || len(studies) != 1 {
		t.Fatalf("studies = %v, err = %v", studies, err)
	}
	series, err := client.ListSeries(ctx, "study-1")
	if err != nil || len(series) != 1 {
		t.Fatalf("series = %v, err = %v", series, err)
	}
	instances, err := client.ListInstances(ctx, "series-1")
	if err != nil || len(instances) != 2 {
		t.Fatalf("instances = %v, err = %v", instances, err)
	}
	data, err := client.FetchInstanceBytes(ctx, "inst-1")
	if err != nil || string(data) != "DICM" {
		t.Fatalf("data = %q, err = %v", data, err)
	}
}

func TestNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetPatient(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	exists, err := client.Exists(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected exists = false")
	}
}
