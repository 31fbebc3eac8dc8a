package httputil

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GetBoolQueryParameters reads the specified boolean query parameters from
// the request. Missing parameters are false. If any of them can't be parsed,
// it'll write a 400 status code as well as the reasoning for the error into
// the ResponseWriter, and also return false.
func GetBoolQueryParameters(w http.ResponseWriter, r *http.Request, paramKeys ...string) (map[string]bool, zerolog.Logger, bool) {
	params := make(map[string]bool, len(paramKeys))
	logger := log.With()
	for _, key := range paramKeys {
		raw := r.URL.Query().Get(key)
		if raw == "" {
			params[key] = false
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("expected a boolean for %s query parameter", key), http.StatusBadRequest)
			return nil, zerolog.Nop(), false
		}
		params[key] = value
		logger = logger.Bool(key, value)
	}
	return params, logger.Logger(), true
}
