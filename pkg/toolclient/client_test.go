package toolclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeRequest(t *testing.T, r *http.Request) rpcRequest {
	t.Helper()
	var req rpcRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	require.NotEmpty(t, req.ID)
	return req
}

func writeResult(t *testing.T, w http.ResponseWriter, id string, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{ID: id, Result: raw}))
}

func TestCallRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, "docs.fetch", req.Method)

		var params map[string]string
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "https://example.com", params["url"])

		writeResult(t, w, req.ID, map[string]string{"content": "hello"})
	}))
	defer srv.Close()

	client := New(srv.URL)
	var out map[string]string
	err := client.Call(context.Background(), "docs.fetch", map[string]string{"url": "https://example.com"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])
}

func TestCallToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{
			ID:    req.ID,
			Error: &rpcError{Code: -32601, Message: "method not found"},
		}))
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Call(context.Background(), "bogus", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "method not found")
}

func TestCallRetriesOnceOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeResult(t, w, req.ID, "recovered")
	}))
	defer srv.Close()

	client := New(srv.URL)
	var out string
	err := client.Call(context.Background(), "ping", struct{}{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallDoesNotRetryPermanentFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallGivesUpAfterOneRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallMalformedResponseIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("this is not json"))
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallMismatchedIDIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeResult(t, w, "not-the-request-id", "x")
	}))
	defer srv.Close()

	client := New(srv.URL)
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
	assert.Contains(t, err.Error(), "does not match")
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client := New(srv.URL, WithTimeout(50*time.Millisecond))
	err := client.Call(context.Background(), "ping", struct{}{}, nil)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestSearchCachesResults(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		req := decodeRequest(t, r)
		assert.Equal(t, MethodDocsSearch, req.Method)
		writeResult(t, w, req.ID, []SearchResult{
			{Title: "Go memory model", URL: "https://go.dev/ref/mem", Snippet: "happens-before"},
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	params := SearchParams{Query: "go memory model", Limit: 5}

	first, err := client.Search(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "Go memory model", first[0].Title)

	second, err := client.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load(), "identical query should hit the endpoint once")

	_, err = client.Search(context.Background(), SearchParams{Query: "different query"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearchDoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if calls.Add(1) == 1 {
			require.NoError(t, json.NewEncoder(w).Encode(rpcResponse{
				ID:    req.ID,
				Error: &rpcError{Code: 1, Message: "index warming up"},
			}))
			return
		}
		writeResult(t, w, req.ID, []SearchResult{{Title: "doc"}})
	}))
	defer srv.Close()

	client := New(srv.URL)
	params := SearchParams{Query: "flaky"}

	_, err := client.Search(context.Background(), params)
	require.Error(t, err)

	results, err := client.Search(context.Background(), params)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestListRepoFilesCachesListing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		req := decodeRequest(t, r)
		assert.Equal(t, MethodRepoList, req.Method)

		var params RepoListParams
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "https://github.com/example/repo", params.RepoURL)

		writeResult(t, w, req.ID, []RepoFile{
			{Path: "cmd/main.go", Size: 1024},
			{Path: "go.mod", Size: 128},
		})
	}))
	defer srv.Close()

	client := New(srv.URL)
	params := RepoListParams{RepoURL: "https://github.com/example/repo"}

	files, err := client.ListRepoFiles(context.Background(), params)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "cmd/main.go", files[0].Path)

	again, err := client.ListRepoFiles(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, files, again)
	assert.Equal(t, int32(1), calls.Load(), "identical listing should hit the endpoint once")
}

func TestPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.Equal(t, MethodPing, req.Method)
		writeResult(t, w, req.ID, "pong")
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).Ping(context.Background()))
}
