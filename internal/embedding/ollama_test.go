package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaEngine_EmbedBatchSingleRequest(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vecs[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: vecs})
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "embeddinggemma", "5s")
	if err != nil {
		t.Fatalf("NewOllamaEngine() error = %v", err)
	}

	got, err := eng.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("EmbedBatch() returned %d vectors, want 3", len(got))
	}
	if calls != 1 {
		t.Fatalf("server saw %d requests, want one batched request", calls)
	}
}

func TestOllamaEngine_EmbeddingCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{1}}})
	}))
	defer srv.Close()

	eng, err := NewOllamaEngine(srv.URL, "", "")
	if err != nil {
		t.Fatalf("NewOllamaEngine() error = %v", err)
	}
	if _, err := eng.EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("EmbedBatch() accepted a short embeddings array")
	}
}

func TestOllamaEngine_Timeout(t *testing.T) {
	if _, err := NewOllamaEngine("", "", "not-a-duration"); err == nil {
		t.Fatal("NewOllamaEngine() accepted an invalid timeout")
	}

	eng, err := NewOllamaEngine("", "", "45s")
	if err != nil {
		t.Fatalf("NewOllamaEngine() error = %v", err)
	}
	if eng.client.Timeout != 45*time.Second {
		t.Fatalf("client timeout = %v, want 45s", eng.client.Timeout)
	}

	eng, err = NewOllamaEngine("", "", "")
	if err != nil {
		t.Fatalf("NewOllamaEngine() error = %v", err)
	}
	if eng.client.Timeout != defaultOllamaTimeout {
		t.Fatalf("client timeout = %v, want default", eng.client.Timeout)
	}
}
