// Package ingest polls the upstream playlist and downloads discovered
// segments into the buffer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCategory classifies a download failure for retry decisions and
// per-category accounting.
type ErrorCategory int

const (
	// CategoryNetwork indicates a connection, DNS, or transport failure
	CategoryNetwork ErrorCategory = iota
	// CategoryServer indicates an upstream 5xx response
	CategoryServer
	// CategoryClient indicates an upstream 4xx response
	CategoryClient
	// CategoryTimeout indicates the request or response deadline expired
	CategoryTimeout
	// CategoryContent indicates an unusable response body
	CategoryContent
	// CategoryUnknown indicates an unclassified failure
	CategoryUnknown
)

// String returns the string representation of ErrorCategory
func (c ErrorCategory) String() string {
	switch c {
	case CategoryNetwork:
		return "network"
	case CategoryServer:
		return "server"
	case CategoryClient:
		return "client"
	case CategoryTimeout:
		return "timeout"
	case CategoryContent:
		return "content"
	default:
		return "unknown"
	}
}

// DownloadError is a classified download failure.
type DownloadError struct {
	Category   ErrorCategory
	StatusCode int
	Message    string
	Cause      error
}

// NewDownloadError creates a DownloadError with the given classification
func NewDownloadError(category ErrorCategory, statusCode int, message string, cause error) *DownloadError {
	return &DownloadError{
		Category:   category,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// Error implements the error interface
func (e *DownloadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category.String(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category.String(), e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *DownloadError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt may succeed. Network,
// server, and timeout failures are retryable, as are the 408 and 429
// client responses; everything else is terminal.
func (e *DownloadError) Retryable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryServer, CategoryTimeout:
		return true
	case CategoryClient:
		return e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsRetryable reports whether err classifies as a retryable download failure
func IsRetryable(err error) bool {
	return ClassifyError(err).Retryable()
}

// ClassifyError classifies a generic error into a DownloadError
func ClassifyError(err error) *DownloadError {
	if err == nil {
		return nil
	}

	var dlErr *DownloadError
	if errors.As(err, &dlErr) {
		return dlErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewDownloadError(CategoryTimeout, 0, "request deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewDownloadError(CategoryTimeout, 0, "network timeout", err)
		}
		return NewDownloadError(CategoryNetwork, 0, "network failure", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return NewDownloadError(CategoryNetwork, 0, "DNS resolution failed", err)
	}

	errMsg := err.Error()
	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "no such host") ||
		strings.Contains(errMsg, "EOF") {
		return NewDownloadError(CategoryNetwork, 0, "connection failure", err)
	}
	if strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "timed out") {
		return NewDownloadError(CategoryTimeout, 0, "operation timed out", err)
	}

	return NewDownloadError(CategoryUnknown, 0, "unclassified failure", err)
}

// classifyStatus maps a non-2xx HTTP status to a DownloadError
func classifyStatus(statusCode int) *DownloadError {
	msg := fmt.Sprintf("upstream returned %d", statusCode)
	switch {
	case statusCode >= 500:
		return NewDownloadError(CategoryServer, statusCode, msg, nil)
	case statusCode >= 400:
		return NewDownloadError(CategoryClient, statusCode, msg, nil)
	default:
		return NewDownloadError(CategoryUnknown, statusCode, msg, nil)
	}
}
