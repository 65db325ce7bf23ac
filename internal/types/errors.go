// SPDX-FileCopyrightText: 2026 Bonial International GmbH
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

var (
	// ErrFeedUnavailable marks a network, decompression or parse failure
	// affecting a whole upstream feed.
	ErrFeedUnavailable = errors.New("feed unavailable")

	// ErrMalformedRecord marks a single record that lacks its identifier or
	// another required field.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrStorageFault marks a blob store failure other than not-found.
	ErrStorageFault = errors.New("storage fault")

	// ErrRateLimitExceeded marks upstream throttling (HTTP 403/429).
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)
