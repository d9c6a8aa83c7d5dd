// Package toolclient invokes external tools over a JSON-RPC style HTTP
// protocol. Each call posts {id, method, params} and receives {id, result}
// or {id, error}; the id correlates responses with requests.
package toolclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"researchd/pkg/logx"
)

// Well-known tool methods.
const (
	MethodPing       = "ping"
	MethodDocsSearch = "docs.search"
	MethodRepoList   = "repo.list"
)

// DefaultTimeout bounds a single tool call including the one retry.
const DefaultTimeout = 30 * time.Second

const defaultCacheSize = 256

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Client calls a single tool endpoint. Read-mostly methods are cached; the
// cache key is the method plus a digest of the params.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	cache    *lru.Cache[string, json.RawMessage]
	logger   *logx.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCacheSize overrides the search result cache capacity.
func WithCacheSize(n int) Option {
	return func(c *Client) {
		cache, err := lru.New[string, json.RawMessage](n)
		if err == nil {
			c.cache = cache
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a tool client for the given endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	cache, _ := lru.New[string, json.RawMessage](defaultCacheSize)
	c := &Client{
		endpoint: endpoint,
		timeout:  DefaultTimeout,
		http:     &http.Client{},
		cache:    cache,
		logger:   logx.NewLogger("toolclient"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call invokes method with params and unmarshals the result into out.
// Transient network failures are retried exactly once; a response that cannot
// be decoded or whose id does not match is permanent.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return &Error{Kind: KindRejected, Method: method, Err: err, Message: "failed to encode params"}
	}

	result, err := c.call(ctx, method, rawParams)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return &Error{Kind: KindRejected, Method: method, Err: err, Message: "failed to decode result"}
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, rawParams json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.roundTrip(ctx, method, rawParams)
	if err == nil {
		return result, nil
	}
	if !IsTransient(err) || ctx.Err() != nil {
		return nil, err
	}

	// One retry, not a loop. Bounded stage retries above this layer own the
	// longer recovery story.
	c.logger.Debug("retrying %s after transient failure: %v", method, err)
	return c.roundTrip(ctx, method, rawParams)
}

func (c *Client) roundTrip(ctx context.Context, method string, rawParams json.RawMessage) (json.RawMessage, error) {
	id := uuid.New().String()
	body, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, &Error{Kind: KindRejected, Method: method, Err: err, Message: "failed to encode request"}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindRejected, Method: method, Err: err, Message: "failed to build request"}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Method: method, Err: err, Message: "call deadline exceeded"}
		}
		return nil, &Error{Kind: KindUnavailable, Method: method, Err: err, Message: "endpoint unreachable"}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, &Error{Kind: KindUnavailable, Method: method, Code: httpResp.StatusCode,
			Message: fmt.Sprintf("endpoint returned HTTP %d", httpResp.StatusCode)}
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindRejected, Method: method, Code: httpResp.StatusCode,
			Message: fmt.Sprintf("endpoint returned HTTP %d", httpResp.StatusCode)}
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return nil, &Error{Kind: KindUnavailable, Method: method, Err: err, Message: "failed to read response"}
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Kind: KindRejected, Method: method, Err: err, Message: "malformed response"}
	}
	if resp.ID != id {
		return nil, &Error{Kind: KindRejected, Method: method,
			Message: fmt.Sprintf("response id %q does not match request id %q", resp.ID, id)}
	}
	if resp.Error != nil {
		return nil, &Error{Kind: KindRejected, Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Result == nil {
		return nil, &Error{Kind: KindRejected, Method: method, Message: "response carries neither result nor error"}
	}
	return resp.Result, nil
}

// Ping verifies the tool endpoint is reachable and responding.
func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, MethodPing, struct{}{}, nil)
}

// SearchParams are the parameters for a docs.search call.
type SearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResult is one document returned by docs.search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Search runs a docs.search call through the read-through result cache.
// Identical queries within a process lifetime hit the endpoint once.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]SearchResult, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Method: MethodDocsSearch, Err: err, Message: "failed to encode params"}
	}

	key := cacheKey(MethodDocsSearch, rawParams)
	if cached, ok := c.cache.Get(key); ok {
		c.logger.Debug("cache hit for query %q", params.Query)
		var results []SearchResult
		if err := json.Unmarshal(cached, &results); err == nil {
			return results, nil
		}
		c.cache.Remove(key)
	}

	result, err := c.call(ctx, MethodDocsSearch, rawParams)
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	if err := json.Unmarshal(result, &results); err != nil {
		return nil, &Error{Kind: KindRejected, Method: MethodDocsSearch, Err: err, Message: "failed to decode results"}
	}
	c.cache.Add(key, result)
	return results, nil
}

// RepoListParams are the parameters for a repo.list call.
type RepoListParams struct {
	RepoURL string `json:"repoUrl"`
}

// RepoFile is one file entry returned by repo.list.
type RepoFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListRepoFiles asks the sandboxed analyzer for the file listing of a
// repository. Listings go through the same cache as searches since a repo
// rarely changes within a process lifetime.
func (c *Client) ListRepoFiles(ctx context.Context, params RepoListParams) ([]RepoFile, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Method: MethodRepoList, Err: err, Message: "failed to encode params"}
	}

	key := cacheKey(MethodRepoList, rawParams)
	if cached, ok := c.cache.Get(key); ok {
		var files []RepoFile
		if err := json.Unmarshal(cached, &files); err == nil {
			return files, nil
		}
		c.cache.Remove(key)
	}

	result, err := c.call(ctx, MethodRepoList, rawParams)
	if err != nil {
		return nil, err
	}
	var files []RepoFile
	if err := json.Unmarshal(result, &files); err != nil {
		return nil, &Error{Kind: KindRejected, Method: MethodRepoList, Err: err, Message: "failed to decode results"}
	}
	c.cache.Add(key, result)
	return files, nil
}

func cacheKey(method string, rawParams json.RawMessage) string {
	sum := sha256.Sum256(rawParams)
	return method + ":" + hex.EncodeToString(sum[:])
}
