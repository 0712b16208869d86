// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/openspdm/go-spdm"
)

// Handler implements http.Handler and passes each request body to a
// Responder.
type Handler struct {
	Responder *spdm.Responder

	// MaxContentLength defaults to 66560. Negative values disable content
	// length checking.
	MaxContentLength int64
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	debugRequest(w, r, h.handleRequest)
}

func (h *Handler) handleRequest(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.error(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, contentType) {
		h.error(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type %q", ct))
		return
	}

	// Validate content length
	maxSize := h.MaxContentLength
	if maxSize == 0 {
		maxSize = defaultMaxContentLength
	}
	if maxSize > 0 && r.ContentLength > maxSize {
		h.error(w, http.StatusRequestEntityTooLarge, fmt.Errorf("content too large (%d bytes)", r.ContentLength))
		return
	}
	if maxSize > 0 && r.ContentLength < 0 {
		h.error(w, http.StatusLengthRequired, errors.New("content length must be specified in request headers"))
		return
	}

	// Allow reading up to expected msg length
	body := io.Reader(r.Body)
	if r.ContentLength >= 0 {
		body = io.LimitReader(r.Body, r.ContentLength)
	}
	msg, err := io.ReadAll(body)
	if err != nil {
		h.error(w, http.StatusBadRequest, fmt.Errorf("error reading request body: %w", err))
		return
	}

	// Protocol failures are answered with SPDM ERROR messages. An error here
	// means no response could be framed at all.
	resp, err := h.Responder.Respond(r.Context(), msg)
	if err != nil {
		h.error(w, http.StatusBadRequest, err)
		return
	}

	w.Header().Set("Content-Length", strconv.Itoa(len(resp)))
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		slog.Warn("error writing response", "error", err)
	}
}

func (h *Handler) error(w http.ResponseWriter, code int, err error) {
	slog.Debug("rejecting request", "status", code, "error", err)
	http.Error(w, err.Error(), code)
}
