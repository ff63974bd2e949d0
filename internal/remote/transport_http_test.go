package remote

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/trambar/internal/objects"
)

func TestHTTPTransportRoundTrips(t *testing.T) {
	var seenAuth, seenPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		seenPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/srv/data/discovery/global/story":
			var body discoveryRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Criteria["type"] != "post" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"versions":[{"id":1,"gn":2}]}`))
		case "/srv/data/retrieval/global/story":
			w.Write([]byte(`{"objects":[{"id":1,"gn":2,"title":"one"}]}`))
		case "/srv/data/storage/global/story":
			w.Write([]byte(`{"objects":[{"id":8,"gn":1,"title":"new"}]}`))
		case "/srv/session":
			if r.Method == http.MethodDelete {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			w.Write([]byte(`{"user_id":"7","expires_at":"2030-01-01T00:00:00Z"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client())
	location := objects.Location{Address: server.URL, Schema: "global", Table: "story"}
	ctx := testContext(t)

	versions, err := transport.Discover(ctx, location, "tok", objects.Criteria{"type": "post"})
	if err != nil || len(versions) != 1 || versions[0].GN != 2 {
		t.Fatalf("Discover = %v, %v", versions, err)
	}
	if seenAuth != "Bearer tok" {
		t.Fatalf("expected bearer token, got %q", seenAuth)
	}
	retrieved, err := transport.Retrieve(ctx, location, "tok", []int64{1})
	if err != nil || len(retrieved) != 1 || retrieved[0]["title"] != "one" {
		t.Fatalf("Retrieve = %v, %v", retrieved, err)
	}
	if id, _ := retrieved[0].ID(); id != 1 {
		t.Fatalf("expected numeric id, got %v", retrieved[0]["id"])
	}
	stored, err := transport.Store(ctx, location, "tok", []objects.Object{{"title": "new"}})
	if err != nil || len(stored) != 1 {
		t.Fatalf("Store = %v, %v", stored, err)
	}
	if seenPath != "/srv/data/storage/global/story" {
		t.Fatalf("unexpected storage path %s", seenPath)
	}
	info, err := transport.CheckSession(ctx, server.URL, "tok")
	if err != nil || info.UserID != "7" {
		t.Fatalf("CheckSession = %v, %v", info, err)
	}
	if err := transport.EndSession(ctx, server.URL, "tok"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
}

func TestHTTPTransportMapsErrors(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"session.validate.invalid_token"}`))
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.Client())
	location := objects.Location{Address: server.URL, Schema: "global", Table: "story"}

	_, err := transport.Discover(testContext(t), location, "tok", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Code != "session.validate.invalid_token" {
		t.Fatalf("expected coded HTTP error, got %v", err)
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected 401 to unwrap to ErrUnauthorized")
	}

	status = http.StatusNotFound
	if _, err := transport.Retrieve(testContext(t), location, "tok", []int64{1}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected 404 to unwrap to ErrNotFound, got %v", err)
	}

	status = http.StatusInternalServerError
	_, err = transport.Store(testContext(t), location, "tok", nil)
	if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) || !errors.As(err, &httpErr) {
		t.Fatalf("expected plain HTTP error, got %v", err)
	}
}
