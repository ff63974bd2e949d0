package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 4096
)

// HTTPError is a non-2xx server response.
type HTTPError struct {
	Status int
	Code   string
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote: server responded %d", e.Status)
	}
	return fmt.Sprintf("remote: server responded %d: %s", e.Status, e.Code)
}

// Unwrap maps authorization and lookup failures to the package sentinels.
func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// HTTPTransport talks to the server's /srv endpoints. Addresses are base URLs.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport returns a transport using client, or a client with a default timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPTransport{client: client}
}

type discoveryRequest struct {
	Criteria objects.Criteria `json:"criteria"`
}

type discoveryResponse struct {
	Versions []objects.Version `json:"versions"`
}

type retrievalRequest struct {
	IDs []int64 `json:"ids"`
}

type objectsPayload struct {
	Objects []objects.Object `json:"objects"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (t *HTTPTransport) Discover(ctx context.Context, location objects.Location, token string, criteria objects.Criteria) ([]objects.Version, error) {
	if criteria == nil {
		criteria = objects.Criteria{}
	}
	var response discoveryResponse
	if err := t.call(ctx, http.MethodPost, dataURL(location, "discovery"), token, discoveryRequest{Criteria: criteria}, &response); err != nil {
		return nil, err
	}
	return response.Versions, nil
}

func (t *HTTPTransport) Retrieve(ctx context.Context, location objects.Location, token string, ids []int64) ([]objects.Object, error) {
	var response objectsPayload
	if err := t.call(ctx, http.MethodPost, dataURL(location, "retrieval"), token, retrievalRequest{IDs: ids}, &response); err != nil {
		return nil, err
	}
	return validated(response.Objects)
}

func (t *HTTPTransport) Store(ctx context.Context, location objects.Location, token string, list []objects.Object) ([]objects.Object, error) {
	var response objectsPayload
	if err := t.call(ctx, http.MethodPost, dataURL(location, "storage"), token, objectsPayload{Objects: list}, &response); err != nil {
		return nil, err
	}
	return validated(response.Objects)
}

func (t *HTTPTransport) CheckSession(ctx context.Context, address, token string) (Session, error) {
	var response Session
	if err := t.call(ctx, http.MethodGet, sessionURL(address), token, nil, &response); err != nil {
		return Session{}, err
	}
	return response, nil
}

func (t *HTTPTransport) EndSession(ctx context.Context, address, token string) error {
	return t.call(ctx, http.MethodDelete, sessionURL(address), token, nil, nil)
}

func (t *HTTPTransport) call(ctx context.Context, method, target, token string, body, into any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := t.client.Do(request)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, target, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		httpErr := &HTTPError{Status: response.StatusCode}
		limited, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
		var payload errorPayload
		if json.Unmarshal(limited, &payload) == nil {
			httpErr.Code = payload.Error
		}
		return httpErr
	}
	if into == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	decoder := json.NewDecoder(response.Body)
	decoder.UseNumber()
	if err := decoder.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("remote: decode response: %w", err)
	}
	return nil
}

func validated(list []objects.Object) ([]objects.Object, error) {
	for index, object := range list {
		if object == nil {
			return nil, fmt.Errorf("%w: element %d is null", objects.ErrInvalidObject, index)
		}
		if err := object.Validate(); err != nil {
			return nil, fmt.Errorf("element %d: %w", index, err)
		}
	}
	return list, nil
}

func dataURL(location objects.Location, action string) string {
	return strings.TrimRight(location.Address, "/") + "/srv/data/" + action + "/" +
		url.PathEscape(location.Schema) + "/" + url.PathEscape(location.Table)
}

func sessionURL(address string) string {
	return strings.TrimRight(address, "/") + "/srv/session"
}
