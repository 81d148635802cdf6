// Package middleware holds HTTP middleware specific to the status API.
// Request ids, logging and recovery live with the errors and logger
// packages.
package middleware

import "net/http"

// Chain applies a sequence of middlewares to a handler. The first one is
// outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
