// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindAuth is an invalid or missing credential. Fatal.
	KindAuth Kind = "auth"
	// KindQuota is a rate or quota rejection (HTTP 429). Transient; pauses the tier.
	KindQuota Kind = "quota"
	// KindServer is an overloaded or unavailable backend (HTTP 5xx). Transient.
	KindServer Kind = "server"
	// KindNetwork is a transport failure. Transient.
	KindNetwork Kind = "network"
	// KindSafety is a content policy rejection. Fatal, never retried.
	KindSafety Kind = "safety"
	// KindParsing is a malformed structured response. Fatal for the call.
	KindParsing Kind = "parsing"
	// KindCanceled is cooperative cancellation. Not a failure.
	KindCanceled Kind = "canceled"
	// KindUnknown is anything unrecognized. Treated as fatal.
	KindUnknown Kind = "unknown"
)

// Transient reports whether a retry after a delay may succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindQuota, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// ErrCanceled is the distinguished cancellation outcome.
// Anything wrapping it classifies as KindCanceled.
var ErrCanceled = errors.New("canceled")

// Error is a classified gateway error.
type Error struct {
	Kind Kind

	// Status is the upstream HTTP status, if any.
	Status int

	// Message is a short provider message.
	Message string

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ParsingError wraps a decode failure of a structured response.
func ParsingError(err error) *Error {
	return &Error{Kind: KindParsing, Message: "malformed structured response", Err: err}
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindQuota
	case status == http.StatusRequestTimeout:
		return KindNetwork
	case status >= 500:
		return KindServer
	default:
		return KindUnknown
	}
}

// Classify returns the Kind of err.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	return KindUnknown
}
