package callback

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hszk-dev/transcoder/internal/domain/model"
)

func TestClient_NotifySuccess(t *testing.T) {
	var got map[string]any
	var auth, contentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Token: "secret-token"})
	err := c.NotifySuccess(context.Background(), srv.URL, SuccessPayload{
		JobID:       "job-1",
		OriginalKey: "uploads/a.mp4",
		OutputKey:   "a/index.m3u8",
		VideoName:   "a",
		Environment: model.EnvironmentStaging,
		Metadata: SuccessMetadata{
			Duration:           12.5,
			OriginalResolution: "1280x720",
		},
	})
	if err != nil {
		t.Fatalf("NotifySuccess: %v", err)
	}

	if auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q, want bearer token", auth)
	}
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q", contentType)
	}
	if got["status"] != "completed" {
		t.Errorf("status = %v, want completed", got["status"])
	}
	if got["outputKey"] != "a/index.m3u8" {
		t.Errorf("outputKey = %v", got["outputKey"])
	}
	meta, _ := got["metadata"].(map[string]any)
	if meta["originalResolution"] != "1280x720" {
		t.Errorf("originalResolution = %v", meta["originalResolution"])
	}
	if got["timestamp"] == "" {
		t.Error("timestamp should be set")
	}
}

func TestClient_NotifyFailure(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	err := c.NotifyFailure(context.Background(), srv.URL, FailurePayload{
		JobID:       "job-1",
		OriginalKey: "uploads/a.mp4",
		Environment: model.EnvironmentProduction,
		Error:       "Download failed: object not found",
	})
	if err != nil {
		t.Fatalf("NotifyFailure: %v", err)
	}

	if got["status"] != "failed" {
		t.Errorf("status = %v, want failed", got["status"])
	}
	if got["error"] != "Download failed: object not found" {
		t.Errorf("error = %v", got["error"])
	}
	if _, present := got["outputKey"]; present {
		t.Error("failure payload must not contain outputKey")
	}
}

func TestClient_Non2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	err := c.NotifySuccess(context.Background(), srv.URL, SuccessPayload{JobID: "job-1"})
	if err == nil {
		t.Fatal("expected error for 502 response")
	}

	var cbErr *CallbackError
	if !errors.As(err, &cbErr) {
		t.Fatalf("error type = %T, want *CallbackError", err)
	}
	if cbErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", cbErr.StatusCode)
	}
}

func TestClient_DefaultURLFallback(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{DefaultURL: srv.URL})
	if err := c.NotifyFailure(context.Background(), "", FailurePayload{JobID: "job-1"}); err != nil {
		t.Fatalf("NotifyFailure via default URL: %v", err)
	}
	if !called {
		t.Error("default URL was not used")
	}
}

func TestClient_NoURLConfigured(t *testing.T) {
	c := NewClient(ClientConfig{})
	if err := c.NotifySuccess(context.Background(), "", SuccessPayload{JobID: "job-1"}); err == nil {
		t.Fatal("expected error when no URL is available")
	}
}
