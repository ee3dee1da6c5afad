package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/netwall-io/netwall/pkg/model"
	"github.com/netwall-io/netwall/pkg/store"
)

// parseTime accepts RFC 3339 (with or without fractional seconds) and
// raw Unix-millisecond values, the two shapes the frontend sends.
func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", model.ErrValidation)
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", model.ErrValidation, value)
}

// timeWindow pulls the time_from/time_to pair out of the query.
// Required reports whether missing values are an error or just zero.
func timeWindow(r *http.Request, required bool) (from, to time.Time, err error) {
	fromStr := r.URL.Query().Get("time_from")
	toStr := r.URL.Query().Get("time_to")
	if fromStr == "" && toStr == "" && !required {
		return time.Time{}, time.Time{}, nil
	}
	if from, err = parseTime(fromStr); err != nil {
		return from, to, fmt.Errorf("%w: time_from", err)
	}
	if to, err = parseTime(toStr); err != nil {
		return from, to, fmt.Errorf("%w: time_to", err)
	}
	return from, to, nil
}

// intParam reads an integer query parameter, falling back to def when
// the parameter is absent or unparsable.
func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// boolParam reads a boolean query parameter.
func boolParam(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// pathParam reads a chi route parameter, URL-unescaped by the router.
func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// resolveDevices expands the device query parameter to the physical
// keys queries run against. An empty parameter is a validation error;
// a disabled or unknown HA selector resolves to no devices, which
// callers render as an empty result rather than a 404.
func resolveDevices(ctx context.Context, st *store.Store, r *http.Request) ([]string, error) {
	device := strings.TrimSpace(r.URL.Query().Get("device"))
	if device == "" {
		return nil, fmt.Errorf("%w: device is required", model.ErrValidation)
	}
	return st.ResolveDeviceKeys(ctx, device)
}
