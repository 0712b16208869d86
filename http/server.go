// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openspdm/go-spdm"
)

// Server serves a Responder at Path until its context is canceled.
type Server struct {
	Responder *spdm.Responder

	// MaxContentLength is passed to the Handler.
	MaxContentLength int64

	// ShutdownTimeout bounds the graceful shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration

	// Metrics, when set, is served at MetricsPath.
	Metrics http.Handler
}

// Serve accepts connections on l. It returns nil after ctx is canceled and
// in-flight requests have completed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, &Handler{Responder: s.Responder, MaxContentLength: s.MaxContentLength})
	if s.Metrics != nil {
		mux.Handle(MetricsPath, s.Metrics)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	slog.Info("serving SPDM responder", "addr", l.Addr().String(), "path", Path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
