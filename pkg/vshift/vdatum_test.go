package vshift

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vdatumTestServer(t *testing.T, tz string, captured *url.Values) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			*captured = r.URL.Query()
		}
		fmt.Fprintf(w, `{"t_x": "-70.5", "t_y": "43.2", "t_z": %q}`, tz)
	}))
}

func TestVDatumConvert(t *testing.T) {
	var query url.Values
	srv := vdatumTestServer(t, "-13.5", &query)
	defer srv.Close()

	client := &VDatumClient{BaseURL: srv.URL}
	x, y, z, err := client.Convert(context.Background(), VDatumRequest{
		SourceHorizontal: "EPSG:6318",
		SourceVertical:   "EPSG:6318",
		TargetHorizontal: "EPSG:6318",
		TargetVertical:   "NOAA:5224",
		X:                -70.5, Y: 43.2, Z: -12,
	})
	require.NoError(t, err)
	assert.Equal(t, -70.5, x)
	assert.Equal(t, 43.2, y)
	assert.Equal(t, -13.5, z)

	assert.Equal(t, "-70.5", query.Get("s_x"))
	assert.Equal(t, "NOAA:5224", query.Get("t_v_frame"))
	assert.Equal(t, "contiguous", query.Get("region"), "region defaults")
}

func TestVDatumConvertServiceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message": "Selected point is outside of the region"}`)
	}))
	defer srv.Close()

	client := &VDatumClient{BaseURL: srv.URL}
	_, _, _, err := client.Convert(context.Background(), VDatumRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside of the region")
}

func TestVerifyPointAgreement(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6318", "EPSG:6318+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	// The local vgridshift applies -1.5; the service agrees.
	srv := vdatumTestServer(t, "-13.5", nil)
	defer srv.Close()

	client := &VDatumClient{BaseURL: srv.URL}
	assert.NoError(t, tr.VerifyPoint(context.Background(), client, -70.5, 43.2, -12, 0.01))
}

func TestVerifyPointMismatch(t *testing.T) {
	catalog := writeTestCatalog(t)
	tr, err := New("EPSG:6318", "EPSG:6318+NOAA:5224",
		WithCatalog(catalog), withFactory(&shiftFactory{}))
	require.NoError(t, err)
	defer tr.Close()

	srv := vdatumTestServer(t, "-20.0", nil)
	defer srv.Close()

	client := &VDatumClient{BaseURL: srv.URL}
	err = tr.VerifyPoint(context.Background(), client, -70.5, 43.2, -12, 0.01)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
}
