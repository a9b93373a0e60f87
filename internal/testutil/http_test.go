package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewTestClient_Redirects(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, r.URL.Path)
	}))
	defer ts.Close()

	client := NewTestClient(ts)
	resp, err := client.Get("https://api.openai.com/v1/chat/completions")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/v1/chat/completions" {
		t.Errorf("path = %q, want /v1/chat/completions", body)
	}
}
