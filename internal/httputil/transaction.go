package httputil

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/julienschmidt/httprouter"
)

// HTTPStatusCodeTag is the name of the HTTP status code tag.
const HTTPStatusCodeTag = "http.response.status_code"

// SetHTTPStatusCodeTag sets the status code tag for the current request to the top-level transaction.
// TODO: Move this to the SDK itself.
func SetHTTPStatusCodeTag(e *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if hint.Response == nil {
		return e
	}
	if e.Tags == nil {
		e.Tags = make(map[string]string)
	}
	if _, exists := e.Tags[HTTPStatusCodeTag]; !exists {
		e.Tags[HTTPStatusCodeTag] = strconv.Itoa(hint.Response.StatusCode)
	}
	return e
}

// AnonymizeTransactionName names the request transaction after the route
// instead of the path, so requests on different threads are grouped.
func AnonymizeTransactionName(next http.Handler) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tx := sentry.TransactionFromContext(ctx); tx != nil {
			name := r.URL.Path
			for _, p := range httprouter.ParamsFromContext(ctx) {
				name = strings.Replace(name, p.Value, ":"+p.Key, 1)
			}
			tx.Name = r.Method + " " + name
		}
		next.ServeHTTP(w, r)
	})
}
