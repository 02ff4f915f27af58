package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSidecar(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req sidecarRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		switch r.URL.Path {
		case "/embed":
			out := make([][]float32, len(req.Inputs))
			for i := range req.Inputs {
				vec := make([]float32, dims)
				vec[0] = float32(i + 1)
				out[i] = vec
			}
			_ = json.NewEncoder(w).Encode(out)
		case "/embed_sparse":
			out := make([][]sidecarSparseEntry, len(req.Inputs))
			for i := range req.Inputs {
				out[i] = []sidecarSparseEntry{
					{Index: 17, Value: 0.8},
					{Index: 420, Value: 0.2},
				}
			}
			_ = json.NewEncoder(w).Encode(out)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
}

func TestSidecarProviderDense(t *testing.T) {
	server := newTestSidecar(t, 768)
	defer server.Close()

	p := NewSidecarProvider(server.URL, "test-model", 768)

	t.Run("single", func(t *testing.T) {
		vec, err := p.DenseEmbed(context.Background(), "what is virtue")
		require.NoError(t, err)
		require.Len(t, vec.Slice(), 768)
		assert.Equal(t, float32(1), vec.Slice()[0])
	})

	t.Run("batch preserves order", func(t *testing.T) {
		vecs, err := p.DenseEmbedBatch(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		for i, vec := range vecs {
			assert.Equal(t, float32(i+1), vec.Slice()[0])
		}
	})

	t.Run("batch empty", func(t *testing.T) {
		vecs, err := p.DenseEmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		wrong := NewSidecarProvider(server.URL, "test-model", 1024)
		_, err := wrong.DenseEmbed(context.Background(), "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimensions")
	})
}

func TestSidecarProviderSparse(t *testing.T) {
	server := newTestSidecar(t, 768)
	defer server.Close()

	p := NewSidecarProvider(server.URL, "test-model", 768)

	sv, err := p.SparseEmbed(context.Background(), "what is virtue")
	require.NoError(t, err)
	assert.Equal(t, []uint32{17, 420}, sv.Indices)
	assert.Equal(t, []float32{0.8, 0.2}, sv.Values)
	assert.False(t, sv.Empty())
}

func TestSidecarProviderRetries(t *testing.T) {
	t.Run("transient 5xx retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				http.Error(w, "overloaded", http.StatusServiceUnavailable)
				return
			}
			_ = json.NewEncoder(w).Encode([][]float32{make([]float32, 4)})
		}))
		defer server.Close()

		p := NewSidecarProvider(server.URL, "test-model", 4, WithRetries(2), WithTimeout(3*time.Second))
		_, err := p.DenseEmbed(context.Background(), "x")
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("client error not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "bad input", http.StatusUnprocessableEntity)
		}))
		defer server.Close()

		p := NewSidecarProvider(server.URL, "test-model", 4, WithRetries(3), WithTimeout(3*time.Second))
		_, err := p.DenseEmbed(context.Background(), "x")
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("exhausted retries wrap ErrUnavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		p := NewSidecarProvider(server.URL, "test-model", 4, WithRetries(1), WithTimeout(2*time.Second))
		_, err := p.DenseEmbed(context.Background(), "x")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnavailable))
	})
}

func TestSparseVectorValidate(t *testing.T) {
	tests := []struct {
		name    string
		sv      SparseVector
		wantErr bool
	}{
		{"empty", SparseVector{}, false},
		{"valid", SparseVector{Indices: []uint32{1, 5, 9}, Values: []float32{0.1, 0.2, 0.3}}, false},
		{"length mismatch", SparseVector{Indices: []uint32{1, 2}, Values: []float32{0.1}}, true},
		{"unsorted", SparseVector{Indices: []uint32{5, 1}, Values: []float32{0.1, 0.2}}, true},
		{"duplicate index", SparseVector{Indices: []uint32{3, 3}, Values: []float32{0.1, 0.2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sv.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(16)
	assert.Equal(t, 16, p.Dimensions())

	vec, err := p.DenseEmbed(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, vec.Slice(), 16)

	sv, err := p.SparseEmbed(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, sv.Empty())
}
