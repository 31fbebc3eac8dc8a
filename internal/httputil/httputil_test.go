package httputil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/getsentry/sentry-go"
	"github.com/pierrec/lz4/v4"

	"github.com/getsentry/threadprof/internal/testutil"
)

const payload = `[{"type":"thread_start","thread":{"id":1,"name":"main"}}]`

func TestDecompressPayload(t *testing.T) {
	var brotliBody bytes.Buffer
	bw := brotli.NewWriter(&brotliBody)
	_, _ = bw.Write([]byte(payload))
	_ = bw.Close()

	var lz4Body bytes.Buffer
	lw := lz4.NewWriter(&lz4Body)
	_, _ = lw.Write([]byte(payload))
	_ = lw.Close()

	tests := []struct {
		name     string
		encoding string
		body     []byte
	}{
		{"identity", "", []byte(payload)},
		{"brotli", "br", brotliBody.Bytes()},
		{"lz4", "lz4", lz4Body.Bytes()},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var got []byte
			handler := DecompressPayload(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, err := io.ReadAll(r.Body)
				if err != nil {
					t.Fatalf("can't read body: %v", err)
				}
				got = b
			}))
			r := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(test.body))
			if test.encoding != "" {
				r.Header.Set("Content-Encoding", test.encoding)
			}
			handler.ServeHTTP(httptest.NewRecorder(), r)
			if diff := testutil.Diff(string(got), payload); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestGetBoolQueryParameters(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		want   map[string]bool
		wantOK bool
		status int
	}{
		{"missing", "/trees", map[string]bool{"compact": false}, true, http.StatusOK},
		{"true", "/trees?compact=true", map[string]bool{"compact": true}, true, http.StatusOK},
		{"one", "/trees?compact=1", map[string]bool{"compact": true}, true, http.StatusOK},
		{"invalid", "/trees?compact=maybe", nil, false, http.StatusBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			got, _, ok := GetBoolQueryParameters(w, httptest.NewRequest(http.MethodGet, test.url, nil), "compact")
			if ok != test.wantOK {
				t.Fatalf("want ok %v, got %v", test.wantOK, ok)
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
			if w.Code != test.status {
				t.Fatalf("want status %d, got %d", test.status, w.Code)
			}
		})
	}
}

func TestSetHTTPStatusCodeTag(t *testing.T) {
	e := SetHTTPStatusCodeTag(&sentry.Event{}, &sentry.EventHint{Response: &http.Response{StatusCode: http.StatusNotFound}})
	if diff := testutil.Diff(e.Tags, map[string]string{HTTPStatusCodeTag: "404"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
