package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGeocoderResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Rua X, 123", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"lat":"-23.5505","lon":"-46.6333"}]`))
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(srv.URL, time.Second, nil)
	lng, lat, ok := g.Geocode(context.Background(), "Rua X, 123")
	require.True(t, ok)
	assert.InDelta(t, -46.6333, lng, 1e-9)
	assert.InDelta(t, -23.5505, lat, 1e-9)
}

func TestHTTPGeocoderDegradesWithoutError(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"empty result", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{not json`))
		}},
		{"unparseable coords", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`[{"lat":"north","lon":"west"}]`))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			g := NewHTTPGeocoder(srv.URL, time.Second, nil)
			_, _, ok := g.Geocode(context.Background(), "anywhere")
			assert.False(t, ok)
		})
	}
}

func TestHTTPGeocoderUnreachable(t *testing.T) {
	g := NewHTTPGeocoder("http://127.0.0.1:1", 200*time.Millisecond, nil)
	_, _, ok := g.Geocode(context.Background(), "anywhere")
	assert.False(t, ok)
}

func TestStaticGeocoder(t *testing.T) {
	s := Static{"Rua X": {-46.63, -23.55}}
	lng, lat, ok := s.Geocode(context.Background(), "Rua X")
	assert.True(t, ok)
	assert.Equal(t, -46.63, lng)
	assert.Equal(t, -23.55, lat)

	_, _, ok = s.Geocode(context.Background(), "unknown")
	assert.False(t, ok)
}
