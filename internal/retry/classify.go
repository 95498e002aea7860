package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"flowmint/internal/apperr"
)

type Category string

const (
	CategoryTransient   Category = "transient-network"
	CategoryRateLimited Category = "rate-limited"
	CategoryStalePrice  Category = "stale-price"
	CategoryValidation  Category = "validation"
	CategoryPolicy      Category = "policy"
	CategoryCircuitOpen Category = "circuit-open"
	CategoryFatal       Category = "fatal"
)

type Classified struct {
	Category        Category `json:"category"`
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Retryable       bool     `json:"retryable"`
	RequiresRequote bool     `json:"requires_requote"`
}

// StatusCoder is implemented by upstream HTTP errors.
type StatusCoder interface {
	HTTPStatus() int
}

var staleMarkers = []string{
	"slippage",
	"stale",
	"price moved",
	"quote expired",
	"blockhash not found",
	"exceeds desired slippage",
}

var rateMarkers = []string{"rate limit", "too many requests", "429"}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"eof",
	"503",
	"502",
}

var routeMarkers = []string{"no route", "route not found", "could_not_find_any_route", "no_routes_found"}

func Classify(err error) Classified {
	if err == nil {
		return Classified{}
	}
	msg := err.Error()

	var ae *apperr.Error
	if errors.As(err, &ae) {
		switch ae.Kind {
		case apperr.KindValidation, apperr.KindNotFound, apperr.KindConflict:
			return Classified{Category: CategoryValidation, Code: ae.Code, Message: msg}
		case apperr.KindPolicy:
			return Classified{Category: CategoryPolicy, Code: ae.Code, Message: msg}
		case apperr.KindStaleQuote:
			return Classified{Category: CategoryStalePrice, Code: ae.Code, Message: msg, Retryable: true, RequiresRequote: true}
		case apperr.KindCircuitOpen:
			return Classified{Category: CategoryCircuitOpen, Code: ae.Code, Message: msg}
		case apperr.KindProofFailure:
			return Classified{Category: CategoryFatal, Code: ae.Code, Message: msg}
		case apperr.KindTransient:
			if ae.Code == apperr.CodeRateLimited {
				return Classified{Category: CategoryRateLimited, Code: ae.Code, Message: msg, Retryable: true}
			}
			return Classified{Category: CategoryTransient, Code: ae.Code, Message: msg, Retryable: true}
		}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if c, ok := classifyStatus(sc.HTTPStatus(), msg); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classified{Category: CategoryTransient, Code: apperr.CodeUpstreamUnavailable, Message: msg, Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return Classified{Category: CategoryFatal, Code: apperr.CodeExecutionFailed, Message: msg}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Classified{Category: CategoryTransient, Code: apperr.CodeUpstreamUnavailable, Message: msg, Retryable: true}
	}

	return classifyMessage(msg)
}

func classifyStatus(status int, msg string) (Classified, bool) {
	lower := strings.ToLower(msg)
	switch {
	case status == http.StatusTooManyRequests:
		return Classified{Category: CategoryRateLimited, Code: apperr.CodeRateLimited, Message: msg, Retryable: true}, true
	case status == http.StatusNotFound || containsAny(lower, routeMarkers):
		return Classified{Category: CategoryFatal, Code: apperr.CodeRouteNotFound, Message: msg}, true
	case status >= 500:
		return Classified{Category: CategoryTransient, Code: apperr.CodeUpstreamUnavailable, Message: msg, Retryable: true}, true
	case status == http.StatusRequestTimeout:
		return Classified{Category: CategoryTransient, Code: apperr.CodeUpstreamUnavailable, Message: msg, Retryable: true}, true
	case status >= 400 && containsAny(lower, staleMarkers):
		return Classified{Category: CategoryStalePrice, Code: apperr.CodeStaleQuote, Message: msg, Retryable: true, RequiresRequote: true}, true
	case status >= 400:
		return Classified{Category: CategoryValidation, Code: apperr.CodeInvalidInput, Message: msg}, true
	}
	return Classified{}, false
}

func classifyMessage(msg string) Classified {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, rateMarkers):
		return Classified{Category: CategoryRateLimited, Code: apperr.CodeRateLimited, Message: msg, Retryable: true}
	case containsAny(lower, staleMarkers):
		return Classified{Category: CategoryStalePrice, Code: apperr.CodeStaleQuote, Message: msg, Retryable: true, RequiresRequote: true}
	case containsAny(lower, routeMarkers):
		return Classified{Category: CategoryFatal, Code: apperr.CodeRouteNotFound, Message: msg}
	case containsAny(lower, transientMarkers):
		return Classified{Category: CategoryTransient, Code: apperr.CodeUpstreamUnavailable, Message: msg, Retryable: true}
	}
	return Classified{Category: CategoryFatal, Code: apperr.CodeExecutionFailed, Message: msg}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
