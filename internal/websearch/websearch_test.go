package websearch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestScholar_NoAPIKey(t *testing.T) {
	// Returns an error when no API key is configured
	t.Setenv("WEBSEARCH_API_KEY", "")
	t.Setenv("BOCHA_API_KEY", "")
	c := New("http://unused")
	if _, err := c.Scholar(context.Background(), "NCT00000001"); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestScholar_ReturnsTitles(t *testing.T) {
	t.Setenv("WEBSEARCH_API_KEY", "test-key")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header: got %q", got)
		}
		w.Write([]byte(`{"webPages":{"value":[
			{"name":"Trial outcomes paper","url":"https://x"},
			{"name":"Protocol paper","url":"https://y"}
		]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	results, err := c.Scholar(context.Background(), "NCT00000001")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Title != "Trial outcomes paper" {
		t.Errorf("got %+v", results)
	}
}

func TestScholar_EmptyPages(t *testing.T) {
	// Returns an empty slice when the API answers with no pages
	t.Setenv("WEBSEARCH_API_KEY", "test-key")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"webPages":{"value":[]}}`))
	}))
	defer srv.Close()

	results, err := New(srv.URL).Scholar(context.Background(), "nothing")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestScholar_RetriesServerErrors(t *testing.T) {
	// Retries transient HTTP failures up to 3 times
	t.Setenv("WEBSEARCH_API_KEY", "test-key")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"webPages":{"value":[{"name":"Recovered"}]}}`))
	}))
	defer srv.Close()

	results, err := New(srv.URL).Scholar(context.Background(), "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Title != "Recovered" {
		t.Errorf("got %+v", results)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d, want 3", calls.Load())
	}
}

func TestScholar_ClientErrorNotRetried(t *testing.T) {
	t.Setenv("WEBSEARCH_API_KEY", "test-key")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Scholar(context.Background(), "q"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d, want 1", calls.Load())
	}
}
