// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openspdm/go-spdm"
	spdm_http "github.com/openspdm/go-spdm/http"
	"github.com/openspdm/go-spdm/protocol"
	"github.com/openspdm/go-spdm/spdmtest"
)

// transport serves requests in process. It assumes requests are well-formed
// and ignores timeouts, retries, etc.
type transport struct {
	Handler http.Handler
}

func (tr *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	rr := httptest.NewRecorder()
	tr.Handler.ServeHTTP(rr, req)
	resp := rr.Result()
	resp.Request = req
	return resp, nil
}

func runSession(t *testing.T, ep *spdmtest.Endpoints) {
	t.Helper()
	ctx := context.Background()

	if err := ep.Authenticate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := ep.Requester.GetMeasurements(ctx, spdm.MeasurementRequest{Operation: protocol.MeasurementRequestAll, Signed: true}); err != nil {
		t.Fatal(err)
	}
	s, err := ep.Requester.StartSession(ctx, 0, protocol.NoMeasurementSummaryHash)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ep.Requester.SendApp(ctx, s, []byte("ping"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("echo: ping")) {
		t.Errorf("app response %q", got)
	}
	if err := ep.Requester.EndSession(ctx, s); err != nil {
		t.Fatal(err)
	}
}

func TestClient(t *testing.T) {
	newEndpoints := func(t *testing.T) *spdmtest.Endpoints {
		ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
		ep.Requester.Transport = &spdm_http.Transport{
			BaseURL: "http://example.com",
			Client: &http.Client{Transport: &transport{
				Handler: &spdm_http.Handler{Responder: ep.Responder},
			}},
		}
		return ep
	}

	t.Run("Without Debug", func(t *testing.T) {
		runSession(t, newEndpoints(t))
	})

	t.Run("With Debug", func(t *testing.T) {
		prev := slog.Default()
		slog.SetDefault(slog.New(slog.NewTextHandler(spdmtest.TestingLog(t), &slog.HandlerOptions{Level: slog.LevelDebug})))
		defer slog.SetDefault(prev)

		runSession(t, newEndpoints(t))
	})
}

func TestHandlerRejects(t *testing.T) {
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	h := &spdm_http.Handler{Responder: ep.Responder, MaxContentLength: 64}

	for _, tc := range []struct {
		name   string
		req    func() *http.Request
		status int
	}{
		{"Method", func() *http.Request {
			return httptest.NewRequest(http.MethodGet, spdm_http.Path, nil)
		}, http.StatusMethodNotAllowed},
		{"ContentType", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, spdm_http.Path, strings.NewReader("{}"))
			r.Header.Set("Content-Type", "application/json")
			return r
		}, http.StatusUnsupportedMediaType},
		{"TooLarge", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, spdm_http.Path, bytes.NewReader(make([]byte, 65)))
		}, http.StatusRequestEntityTooLarge},
		{"NoLength", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, spdm_http.Path, bytes.NewReader([]byte{5, 0x10, 0x84, 0, 0}))
			r.ContentLength = -1
			return r
		}, http.StatusLengthRequired},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, tc.req())
			if rr.Code != tc.status {
				t.Errorf("status %d, expected %d", rr.Code, tc.status)
			}
		})
	}
}

func TestTransportRejectsOversizedResponse(t *testing.T) {
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})
	ep.Requester.Transport = &spdm_http.Transport{
		BaseURL:          "http://example.com",
		MaxContentLength: 8,
		Client: &http.Client{Transport: &transport{
			Handler: &spdm_http.Handler{Responder: ep.Responder},
		}},
	}
	if err := ep.Requester.GetVersion(context.Background()); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected oversized response to be rejected, got %v", err)
	}
}

func TestServer(t *testing.T) {
	ep := spdmtest.NewEndpoints(t, spdm.Config{}, spdm.Config{})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		srv := &spdm_http.Server{Responder: ep.Responder, ShutdownTimeout: time.Second}
		errc <- srv.Serve(ctx, l)
	}()

	ep.Requester.Transport = &spdm_http.Transport{BaseURL: "http://" + l.Addr().String()}
	runSession(t, ep)

	cancel()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
