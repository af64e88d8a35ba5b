package luxand

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceid/internal/faceprovider"
)

const testToken = "test-token"

var testImage = []byte{0xFF, 0xD8, 0xFF, 0xE0}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:        server.URL,
		Token:          testToken,
		Timeout:        200 * time.Millisecond,
		RetryAttempts:  2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestNewClientRequiresToken(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "http://localhost"}, nil); err == nil {
		t.Fatal("expected error for missing token")
	}
	if _, err := NewClient(Config{Token: "t"}, nil); err == nil {
		t.Fatal("expected error for missing base URL")
	}
}

func TestEnrollDirectIdentifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if got := r.Header.Get("token"); got != testToken {
			t.Errorf("unexpected token header %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		if got := r.FormValue("name"); got != "a@x.com" {
			t.Errorf("unexpected name %q", got)
		}
		if got := r.FormValue("store"); got != "1" {
			t.Errorf("unexpected store flag %q", got)
		}
		file, _, err := r.FormFile("photos")
		if err != nil {
			t.Errorf("expected photos part: %v", err)
		} else {
			data, _ := io.ReadAll(file)
			if string(data) != string(testImage) {
				t.Errorf("unexpected photo bytes %x", data)
			}
		}
		writeJSON(w, http.StatusOK, `{"uuid":"p-1","face_uuid":["f-1"]}`)
	})

	enrollment, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enrollment.FaceID != "p-1" || enrollment.Path != faceprovider.PathDirect {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}
}

func TestEnrollFallsBackToListing(t *testing.T) {
	var listed int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			writeJSON(w, http.StatusOK, `{"status":"success"}`)
		case http.MethodGet:
			atomic.AddInt32(&listed, 1)
			writeJSON(w, http.StatusOK, `[
				{"uuid":"p-0","name":"someone@x.com"},
				{"uuid":"p-9","name":"a@x.com"},
				{"uuid":"p-10","name":"a@x.com"}
			]`)
		}
	})

	enrollment, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enrollment.FaceID != "p-9" || enrollment.Path != faceprovider.PathListing {
		t.Fatalf("unexpected enrollment %+v", enrollment)
	}
	if atomic.LoadInt32(&listed) != 1 {
		t.Fatalf("expected one listing call, got %d", listed)
	}
}

func TestEnrollListingWrappedPayload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeJSON(w, http.StatusOK, `{"persons":[{"id":7,"name":"a@x.com"}]}`)
	})

	enrollment, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enrollment.FaceID != "7" {
		t.Fatalf("unexpected face id %q", enrollment.FaceID)
	}
}

func TestEnrollFailsWhenListingHasNoMatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writeJSON(w, http.StatusOK, `{"status":"success"}`)
			return
		}
		writeJSON(w, http.StatusOK, `[{"uuid":"p-0","name":"someone@x.com"}]`)
	})

	_, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if !errors.Is(err, faceprovider.ErrEnrollmentFailed) {
		t.Fatalf("expected ErrEnrollmentFailed, got %v", err)
	}
}

func TestEnrollSurfacesUpstreamStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"status":"failure","message":"Can't find faces on the image"}`)
	})

	_, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if !errors.Is(err, faceprovider.ErrEnrollmentFailed) {
		t.Fatalf("expected ErrEnrollmentFailed, got %v", err)
	}
	var provErr *faceprovider.Error
	if !errors.As(err, &provErr) {
		t.Fatalf("expected *faceprovider.Error, got %T", err)
	}
	if provErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", provErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "Can't find faces on the image") {
		t.Fatalf("expected upstream message in %q", err.Error())
	}
}

func TestEnrollRejectsMarkup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "<html><body>Login</body></html>")
	})

	_, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if !errors.Is(err, faceprovider.ErrResponseMalformed) {
		t.Fatalf("expected ErrResponseMalformed, got %v", err)
	}
	if errors.Is(err, faceprovider.ErrEnrollmentFailed) {
		t.Fatal("markup must be reported distinctly from enrollment failure")
	}
}

func TestEnrollIsNotRetried(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if !errors.Is(err, faceprovider.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected exactly one enroll attempt, got %d", got)
	}
}

func TestEnrollKeepsLargeNumericIdentifier(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/person", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"id": 9007199254740993}`)
	})

	enrollment, err := newTestClient(t, mux).Enroll(context.Background(), testImage, "a@x.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enrollment.FaceID != "9007199254740993" {
		t.Fatalf("identifier lost precision: %q", enrollment.FaceID)
	}
}

func TestSearchPreservesOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
		}
		if _, _, err := r.FormFile("photo"); err != nil {
			t.Errorf("expected photo part: %v", err)
		}
		writeJSON(w, http.StatusOK, `[{"uuid":"p-2","probability":0.5},{"uuid":"p-1","probability":0.92}]`)
	})

	candidates, err := newTestClient(t, mux).Search(context.Background(), testImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 || candidates[0].FaceID != "p-2" || candidates[1].FaceID != "p-1" {
		t.Fatalf("upstream order not preserved: %+v", candidates)
	}
}

func TestSearchKeepsTopPickWithMalformedField(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"uuid":"p-1","probability":0.9,"name":{"first":"a"}},{"uuid":"p-2","probability":0.5}]`)
	})

	candidates, err := newTestClient(t, mux).Search(context.Background(), testImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 || candidates[0].FaceID != "p-1" || candidates[0].Confidence != 0.9 {
		t.Fatalf("top pick not kept: %+v", candidates)
	}
}

func TestSearchRejectsUnreadableTopPick(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[{"uuid":{"value":"p-1"},"probability":0.9},{"uuid":"p-2","probability":0.5}]`)
	})

	candidates, err := newTestClient(t, mux).Search(context.Background(), testImage)
	if !errors.Is(err, faceprovider.ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v (%+v)", err, candidates)
	}
}

func TestSearchEmptyResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	candidates, err := newTestClient(t, mux).Search(context.Background(), testImage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates, got %+v", candidates)
	}
}

func TestSearchFailures(t *testing.T) {
	cases := []struct {
		name        string
		contentType string
		status      int
		body        string
		want        error
	}{
		{"server error", "application/json", http.StatusInternalServerError, `{"error":{"message":"internal"}}`, faceprovider.ErrVerificationFailed},
		{"unexpected object", "application/json", http.StatusOK, `{"status":"failure"}`, faceprovider.ErrVerificationFailed},
		{"invalid json", "application/json", http.StatusOK, `{"uuid":`, faceprovider.ErrResponseMalformed},
		{"empty body", "application/json", http.StatusOK, ``, faceprovider.ErrResponseMalformed},
		{"markup without content type", "text/plain", http.StatusUnauthorized, `<!DOCTYPE html><html></html>`, faceprovider.ErrResponseMalformed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tc.contentType)
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := newTestClient(t, mux).Search(context.Background(), testImage)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSearchRetriesUnavailable(t *testing.T) {
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/photo/search/v2", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		writeJSON(w, http.StatusOK, `[{"uuid":"p-1","probability":0.9}]`)
	})

	candidates, err := newTestClient(t, mux).Search(context.Background(), testImage)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(candidates) != 1 || candidates[0].FaceID != "p-1" {
		t.Fatalf("unexpected candidates %+v", candidates)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDeleteEscapesIdentifier(t *testing.T) {
	var gotPath string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("unexpected method %s", r.Method)
		}
		gotPath = r.URL.EscapedPath()
		writeJSON(w, http.StatusOK, `{"status":"success"}`)
	})

	if err := newTestClient(t, handler).Delete(context.Background(), "p 1/x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/person/p%201%2Fx" {
		t.Fatalf("unexpected path %q", gotPath)
	}
}

func TestDeleteFailureIsNotRetried(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		writeJSON(w, http.StatusNotFound, `{"status":"failure","message":"Person not found"}`)
	})

	err := newTestClient(t, handler).Delete(context.Background(), "p-1")
	if !errors.Is(err, faceprovider.ErrDeletionFailed) {
		t.Fatalf("expected ErrDeletionFailed, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

func TestDeleteNotFoundAfterTimedOutAttempt(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		writeJSON(w, http.StatusNotFound, `{"status":"failure","message":"Person not found"}`)
	})

	if err := newTestClient(t, handler).Delete(context.Background(), "p-1"); err != nil {
		t.Fatalf("expected success once the retry finds nothing to remove, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestDeleteRequiresIdentifier(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider must not be called without an identifier")
	})

	err := newTestClient(t, handler).Delete(context.Background(), " ")
	if !errors.Is(err, faceprovider.ErrDeletionFailed) {
		t.Fatalf("expected ErrDeletionFailed, got %v", err)
	}
}

func TestErrorMessageExtraction(t *testing.T) {
	cases := []struct {
		payload interface{}
		want    string
	}{
		{map[string]interface{}{"error": map[string]interface{}{"message": "bad token"}}, "bad token"},
		{map[string]interface{}{"error": "quota"}, "quota"},
		{map[string]interface{}{"message": "no faces"}, "no faces"},
		{map[string]interface{}{"status": "failure"}, "failure"},
		{nil, "HTTP 502"},
	}
	for _, tc := range cases {
		if got := errorMessage(tc.payload, http.StatusBadGateway); got != tc.want {
			t.Fatalf("errorMessage(%v) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}
