package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeSnapshot struct {
	c   map[string]int64
	s   map[string]Summary
	err error
}

func (f *fakeSnapshot) Snapshot(context.Context) (map[string]int64, map[string]Summary, error) {
	return f.c, f.s, f.err
}

func TestHandlerAuth(t *testing.T) {
	f := &fakeSnapshot{c: map[string]int64{"a": 1}, s: map[string]Summary{"x": {Count: 2, Sum: 5, Min: 2, Max: 3}}}
	h := Handler(f, "tok")

	for _, hdr := range []string{"", "Bearer", "Bearer ", "Bearer nope", "Basic tok"} {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		if hdr != "" {
			req.Header.Set("Authorization", hdr)
		}
		rw := httptest.NewRecorder()
		h(rw, req)
		if rw.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401 got %d", hdr, rw.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rw := httptest.NewRecorder()
	h(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rw.Code)
	}
	var decoded struct {
		Counters  map[string]int64   `json:"counters"`
		Summaries map[string]Summary `json:"summaries"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Counters["a"] != 1 {
		t.Fatalf("counter mismatch")
	}
	if v := decoded.Summaries["x"]; v != (Summary{Count: 2, Sum: 5, Min: 2, Max: 3}) {
		t.Fatalf("summary mismatch: %+v", v)
	}
}

func TestHandlerNoToken(t *testing.T) {
	h := Handler(&fakeSnapshot{c: map[string]int64{"c": 10}}, "")
	rw := httptest.NewRecorder()
	h(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rw.Code)
	}
}

func TestHandlerSnapshotError(t *testing.T) {
	h := Handler(&fakeSnapshot{err: errors.New("db down")}, "")
	rw := httptest.NewRecorder()
	h(rw, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rw.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rw.Code)
	}
}
