package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// RemoteStore speaks to an HTTP content-addressed store (an IPFS-style
// gateway). Timeouts surface as ErrUnavailable so the dispatcher can map
// them uniformly.
type RemoteStore struct {
	client *resty.Client
}

type putResponse struct {
	CID string `json:"cid"`
}

func NewRemoteStore(baseURL string, timeout time.Duration) *RemoteStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond)
	return &RemoteStore{client: client}
}

func (s *RemoteStore) Put(ctx context.Context, data []byte) (string, error) {
	var out putResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		SetResult(&out).
		Post("/objects")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return "", fmt.Errorf("%w: put returned %d", ErrUnavailable, resp.StatusCode())
	}
	if out.CID == "" {
		return "", fmt.Errorf("%w: put response missing cid", ErrUnavailable)
	}
	return out.CID, nil
}

func (s *RemoteStore) Get(ctx context.Context, cid string) ([]byte, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(false).
		Get("/objects/" + cid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return resp.Body(), nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%w: get returned %d", ErrUnavailable, resp.StatusCode())
	}
}
