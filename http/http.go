// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package http carries encapsulated SPDM messages over HTTP. Each request is
// POSTed to a single path and answered in the response body, so one HTTP
// round trip is one SPDM round trip.
package http

// Path is the default request path.
const Path = "/spdm"

// MetricsPath serves Server.Metrics.
const MetricsPath = "/metrics"

const contentType = "application/octet-stream"

// defaultMaxContentLength fits a maximum size SPDM message with its
// transport and secured message overhead.
const defaultMaxContentLength = 1<<16 + 1024
