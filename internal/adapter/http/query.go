package http

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
)

var validate = validator.New()

// defaultLimit bounds a reconciled read that names no limit; 0 also means the default.
const defaultLimit = 10000

// window is an optional [From, To) range; either both bounds are set or neither.
type window struct {
	From time.Time `validate:"required_with=To"`
	To   time.Time `validate:"required_with=From"`
}

type reconciledQuery struct {
	Station string `validate:"omitempty,alphanum,max=8"`
	Window  window
	Limit   int `validate:"gte=0,lte=100000"`
}

func parseReconciledQuery(v url.Values) (domain.ReconciledQuery, error) {
	var q reconciledQuery
	q.Station = strings.ToUpper(strings.TrimSpace(v.Get("station")))

	var err error
	if q.Window.From, err = parseTime("from", v.Get("from")); err != nil {
		return domain.ReconciledQuery{}, err
	}
	if q.Window.To, err = parseTime("to", v.Get("to")); err != nil {
		return domain.ReconciledQuery{}, err
	}
	if raw := v.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil {
			return domain.ReconciledQuery{}, fmt.Errorf("limit: %w", err)
		}
	}

	if err := validate.Struct(q); err != nil {
		return domain.ReconciledQuery{}, err
	}
	if err := checkOrder(q.Window); err != nil {
		return domain.ReconciledQuery{}, err
	}
	if q.Limit == 0 {
		q.Limit = defaultLimit
	}
	return domain.ReconciledQuery{
		StationID: q.Station,
		From:      q.Window.From,
		To:        q.Window.To,
		Limit:     q.Limit,
	}, nil
}

func parseWindow(v url.Values) (window, error) {
	var w window
	var err error
	if w.From, err = parseTime("from", v.Get("from")); err != nil {
		return window{}, err
	}
	if w.To, err = parseTime("to", v.Get("to")); err != nil {
		return window{}, err
	}
	if err := validate.Struct(w); err != nil {
		return window{}, err
	}
	return w, checkOrder(w)
}

func checkOrder(w window) error {
	if !w.From.IsZero() && !w.To.IsZero() && !w.To.After(w.From) {
		return errors.New("to must be after from")
	}
	return nil
}

// parseTime accepts RFC3339 or unix seconds. An empty value is the zero time.
func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%s: invalid time %q; use RFC3339 or unix seconds", name, s)
}
