// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/openspdm/go-spdm"
)

// Transport implements spdm.Transport for a Requester reaching a Responder
// over HTTP.
type Transport struct {
	// Client to use for HTTP requests. Nil indicates that the default client
	// should be used.
	Client *http.Client

	// BaseURL including scheme, e.g. http://127.0.0.1:8080. Path is appended
	// to it.
	BaseURL string

	// MaxContentLength defaults to 66560. Negative values disable content
	// length checking.
	MaxContentLength int64
}

var _ spdm.Transport = (*Transport)(nil)

// Send posts one encapsulated message and returns the encapsulated response.
func (t *Transport) Send(ctx context.Context, msg []byte) ([]byte, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	uri, err := url.JoinPath(t.BaseURL, Path)
	if err != nil {
		return nil, fmt.Errorf("error parsing base URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("error creating SPDM request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	debugRequestOut(req, msg)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return t.handleResponse(resp)
}

func (t *Transport) handleResponse(resp *http.Response) ([]byte, error) {
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected HTTP response code: %s: %s", resp.Status, bytes.TrimSpace(detail))
	}

	// Validate content length
	maxSize := t.MaxContentLength
	if maxSize == 0 {
		maxSize = defaultMaxContentLength
	}
	if maxSize > 0 && resp.ContentLength > maxSize {
		return nil, fmt.Errorf("content too large (%d bytes)", resp.ContentLength)
	}
	if maxSize > 0 && resp.ContentLength < 0 {
		return nil, errors.New("content length must be specified in response headers")
	}

	body := io.Reader(resp.Body)
	if resp.ContentLength >= 0 {
		body = io.LimitReader(resp.Body, resp.ContentLength)
	}
	msg, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if resp.ContentLength >= 0 && int64(len(msg)) != resp.ContentLength {
		return nil, fmt.Errorf("response body truncated: %d of %d bytes", len(msg), resp.ContentLength)
	}
	debugResponse(resp, msg)
	return msg, nil
}
