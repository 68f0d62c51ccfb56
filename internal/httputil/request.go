package httputil

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// QueryParameters returns the query parameters among keys that are set and a
// logger carrying them.
func QueryParameters(r *http.Request, keys ...string) (map[string]string, zerolog.Logger) {
	params := make(map[string]string, len(keys))
	logger := log.With()
	q := r.URL.Query()
	for _, key := range keys {
		value := q.Get(key)
		if value == "" {
			continue
		}
		params[key] = value
		logger = logger.Str(key, value)
	}
	return params, logger.Logger()
}

// BoolParameter parses an optional boolean parameter, returning def when it
// is not set.
func BoolParameter(params map[string]string, key string, def bool) (bool, error) {
	value, ok := params[key]
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s query parameter: %q", key, value)
	}
	return b, nil
}
