package legacysync

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

	"github.com/heirloomhq/legacy-sync/storage"
)

// RemoteRecord is the wire shape the remote authority exchanges for a
// single record, both on upload and in the changes feed.
type RemoteRecord struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Data           json.RawMessage  `json:"data"`
	LastModifiedAt time.Time        `json:"lastModifiedAt"`
	Version        int64            `json:"version"`
	Metadata       storage.Metadata `json:"metadata"`
}

// TokenProvider supplies the bearer credential for each request. It is
// the hook for the external auth collaborator.
type TokenProvider func(ctx context.Context) (string, error)

// Authority is the remote system of record the engine reconciles against.
type Authority interface {
	Create(ctx context.Context, recordType string, record *RemoteRecord) error
	Update(ctx context.Context, recordType, id string, record *RemoteRecord) error
	Delete(ctx context.Context, recordType, id string) error
	Changes(ctx context.Context, since time.Time) ([]*RemoteRecord, error)
}

// transportError marks a response the authority answered with a
// non-success status, as opposed to a transport-level failure.
type transportError struct {
	status int
	body   string
}

func (e *transportError) Error() string {
	return fmt.Sprintf("remote authority returned %d: %s", e.status, e.body)
}

// permanentFailure reports whether an upload error cannot succeed on
// retry. 408 and 429 are the retryable exceptions among the 4xx codes.
func permanentFailure(err error) bool {
	var te *transportError
	if !errors.As(err, &te) {
		return false
	}
	if te.status == http.StatusRequestTimeout || te.status == http.StatusTooManyRequests {
		return false
	}
	return te.status >= 400 && te.status < 500
}

// HTTPAuthority talks to the REST collection API: POST /{type},
// PUT /{type}/{id}, DELETE /{type}/{id} and GET /changes?since={ts}.
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
	token   TokenProvider
}

func NewHTTPAuthority(baseURL string, timeout time.Duration, token TokenProvider) *HTTPAuthority {
	return &HTTPAuthority{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		token:   token,
	}
}

func (a *HTTPAuthority) Create(ctx context.Context, recordType string, record *RemoteRecord) error {
	return a.do(ctx, http.MethodPost, "/"+url.PathEscape(recordType), record, nil)
}

func (a *HTTPAuthority) Update(ctx context.Context, recordType, id string, record *RemoteRecord) error {
	return a.do(ctx, http.MethodPut, "/"+url.PathEscape(recordType)+"/"+url.PathEscape(id), record, nil)
}

func (a *HTTPAuthority) Delete(ctx context.Context, recordType, id string) error {
	err := a.do(ctx, http.MethodDelete, "/"+url.PathEscape(recordType)+"/"+url.PathEscape(id), nil, nil)
	var te *transportError
	if errors.As(err, &te) && te.status == http.StatusNotFound {
		// already gone remotely, the delete is settled
		return nil
	}
	return err
}

func (a *HTTPAuthority) Changes(ctx context.Context, since time.Time) ([]*RemoteRecord, error) {
	path := "/changes"
	if !since.IsZero() {
		path += "?since=" + url.QueryEscape(since.UTC().Format(time.RFC3339Nano))
	}
	var changes []*RemoteRecord
	if err := a.do(ctx, http.MethodGet, path, nil, &changes); err != nil {
		return nil, err
	}
	return changes, nil
}

func (a *HTTPAuthority) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != nil {
		token, err := a.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain bearer token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &transportError{status: resp.StatusCode, body: string(bytes.TrimSpace(payload))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

var _ Authority = (*HTTPAuthority)(nil)
