package stac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/meteoswiss-reconciler/internal/domain"
	"github.com/couchcryptid/meteoswiss-reconciler/internal/observability"
)

const testCollection = "ch.meteoschweiz.ogd-smn"

func testClient(baseURL string, retries int) (*Client, *observability.Metrics) {
	m := observability.NewMetricsForTesting()
	c := NewClient(Options{
		BaseURL:        baseURL,
		Collection:     testCollection,
		Timeout:        5 * time.Second,
		MaxRetries:     retries,
		PageLimit:      2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return c, m
}

func stationFeature(srvURL, id string, assets ...string) feature {
	f := feature{ID: id, Assets: map[string]asset{}}
	for _, a := range assets {
		f.Assets[a] = asset{Href: srvURL + "/data/" + a, Type: "text/csv"}
	}
	return f
}

// stacServer serves two search pages and a collection document.
func stacServer(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/search":
			var req searchRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []string{testCollection}, req.Collections)
			assert.Equal(t, 2, req.Limit)

			var resp searchResponse
			if req.Cursor == "" {
				resp.Features = []feature{
					stationFeature(srv.URL, "bas",
						"ogd-smn_bas_t_historical_2000-2009.csv",
						"ogd-smn_bas_t_historical_2010-2019.csv",
						"ogd-smn_bas_t_recent.csv",
						"ogd-smn_bas_t_now.csv",
						"ogd-smn_bas_d_recent.csv"),
					stationFeature(srv.URL, "ber", "ogd-smn_ber_t_recent.csv", "ogd-smn_ber_t_now.csv"),
				}
				next := link{Rel: "next", Method: "POST"}
				next.Body.Cursor = "page2"
				resp.Links = []link{{Rel: "self"}, next}
			} else {
				assert.Equal(t, "page2", req.Cursor)
				resp.Features = []feature{stationFeature(srv.URL, "abo", "ogd-smn_abo_t_now.csv")}
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))

		case r.Method == http.MethodGet && r.URL.Path == "/collections/"+testCollection:
			require.NoError(t, json.NewEncoder(w).Encode(collection{
				ID: testCollection,
				Assets: map[string]asset{
					"ogd-smn_meta_parameters.csv": {Href: srv.URL + "/data/ogd-smn_meta_parameters.csv"},
					"ogd-smn_meta_stations.csv":   {Href: srv.URL + "/data/ogd-smn_meta_stations.csv"},
				},
			}))

		case r.Method == http.MethodGet && r.URL.Path == "/data/ogd-smn_bas_t_now.csv":
			_, _ = io.WriteString(w, "station_abbr;reference_timestamp\n")

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_ListItems(t *testing.T) {
	srv := stacServer(t)
	c, _ := testClient(srv.URL, 0)

	tests := []struct {
		tier  domain.Tier
		names []string
	}{
		{domain.TierHistorical, []string{"ogd-smn_bas_t_historical_2000-2009.csv", "ogd-smn_bas_t_historical_2010-2019.csv"}},
		{domain.TierRecent, []string{"ogd-smn_bas_t_recent.csv", "ogd-smn_ber_t_recent.csv"}},
		{domain.TierNow, []string{"ogd-smn_abo_t_now.csv", "ogd-smn_bas_t_now.csv", "ogd-smn_ber_t_now.csv"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			items, err := c.ListItems(context.Background(), tt.tier)
			require.NoError(t, err)

			var names []string
			for _, it := range items {
				names = append(names, it.Name)
				assert.Equal(t, tt.tier, it.Tier)
				assert.Equal(t, srv.URL+"/data/"+it.Name, it.Href)
			}
			assert.Equal(t, tt.names, names)
		})
	}
}

func TestClient_ListItems_StationIDsUpperCased(t *testing.T) {
	srv := stacServer(t)
	c, _ := testClient(srv.URL, 0)

	items, err := c.ListItems(context.Background(), domain.TierNow)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "ABO", items[0].StationID)
}

func TestClient_StationsItem(t *testing.T) {
	srv := stacServer(t)
	c, _ := testClient(srv.URL, 0)

	item, err := c.StationsItem(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ogd-smn_meta_stations.csv", item.Name)
	assert.Empty(t, item.Tier)
}

func TestClient_Fetch(t *testing.T) {
	srv := stacServer(t)
	c, m := testClient(srv.URL, 0)

	data, err := c.Fetch(context.Background(), domain.SourceItem{Name: "ogd-smn_bas_t_now.csv", Href: srv.URL + "/data/ogd-smn_bas_t_now.csv"})
	require.NoError(t, err)
	assert.Equal(t, "station_abbr;reference_timestamp\n", string(data))
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.SourceRequests.WithLabelValues("success")), 0)
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 3)
	_, err := c.Fetch(context.Background(), domain.SourceItem{Name: "missing.csv", Href: srv.URL + "/missing.csv"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = io.WriteString(w, "ok")
		}
	}))
	defer srv.Close()

	c, m := testClient(srv.URL, 3)
	data, err := c.Fetch(context.Background(), domain.SourceItem{Name: "f.csv", Href: srv.URL + "/f.csv"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(3), calls.Load())
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.SourceRequests.WithLabelValues("retry")), 0)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 2)
	_, err := c.Fetch(context.Background(), domain.SourceItem{Name: "f.csv", Href: srv.URL + "/f.csv"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_CircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL, 0)
	item := domain.SourceItem{Name: "f.csv", Href: srv.URL + "/f.csv"}

	var err error
	for i := 0; i < 10; i++ {
		_, err = c.Fetch(context.Background(), item)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "got %v", err)
}

func TestClient_ContextCanceled(t *testing.T) {
	srv := stacServer(t)
	c, _ := testClient(srv.URL, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.ListItems(ctx, domain.TierNow)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMatchAsset(t *testing.T) {
	assert.True(t, matchAsset(domain.TierHistorical, "ogd-smn_bas_t_historical_1980-1989.csv"))
	assert.False(t, matchAsset(domain.TierHistorical, "ogd-smn_bas_h_historical_1980-1989.csv"))
	assert.True(t, matchAsset(domain.TierRecent, "OGD-SMN_BAS_T_RECENT.CSV"))
	assert.False(t, matchAsset(domain.TierRecent, "ogd-smn_bas_t_recent.json"))
	assert.False(t, matchAsset(domain.TierNow, "ogd-smn_bas_t_recent.csv"))
	assert.False(t, matchAsset(domain.Tier("daily"), "ogd-smn_bas_t_now.csv"))
}
