package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// RoundTripHandler serves requests straight from a handler, without a
// listener.
type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

// NewRequest builds an in-process request. A non-nil payload is sent as
// JSON.
func NewRequest(t testing.TB, method, path string, payload any) *http.Request {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, "http://in-process"+path, &body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Do sends req and decodes a JSON response into dest when dest is non-nil.
func Do(t testing.TB, client *http.Client, req *http.Request, dest any) *http.Response {
	t.Helper()
	req.RequestURI = ""
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			t.Fatalf("decode %s response: %v", req.URL.Path, err)
		}
	}
	return resp
}
