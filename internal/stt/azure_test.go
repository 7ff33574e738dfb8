package stt

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func TestAzureQuotaRejectionFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "az" {
			t.Errorf("missing subscription key header")
		}
		http.Error(w, "Quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.AzureKey = "az"
	factory := NewFactory(cfg, nil).WithEndpoints(Endpoints{Azure: wsURL(srv)})

	s := newFakeSession(false)
	err := waitResult(t, runAdapter(factory.New(Azure), s))
	if !errors.Is(err, ErrAuthOrQuota) {
		t.Fatalf("expected ErrAuthOrQuota, got %v", err)
	}
	if next, ok := factory.Fallback(Azure, err); !ok || next.Name() != FasterWhisper {
		t.Fatalf("expected fallback to the offline engine")
	}
}

func TestAzureWithoutKeyNeedsCredentials(t *testing.T) {
	s := newFakeSession(false)
	err := waitResult(t, runAdapter(NewFactory(config.Default(), nil).New(Azure), s))
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
