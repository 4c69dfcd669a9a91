package vshift

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// defaultVDatumURL is NOAA's VDatum conversion endpoint.
const defaultVDatumURL = "https://vdatum.noaa.gov/vdatumweb/api/convert"

// VDatumClient queries the NOAA VDatum web service, the authoritative
// implementation of the vertical datum grids this module applies locally.
//
// The client exists for spot verification of a resolved transformation, not
// for bulk conversion; the transformation core itself never touches the
// network.
type VDatumClient struct {
	// BaseURL overrides the NOAA endpoint, for tests and mirrors.
	BaseURL string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// VDatumRequest names one conversion in the service's vocabulary. Frame
// identifiers are passed through verbatim.
type VDatumRequest struct {
	SourceHorizontal string
	SourceVertical   string
	TargetHorizontal string
	TargetVertical   string

	// Region selects the service's grid region; empty means "contiguous".
	Region string

	X, Y, Z float64
}

// vdatumNumber tolerates the service's habit of quoting numeric fields.
type vdatumNumber float64

func (n *vdatumNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*n = vdatumNumber(math.NaN())
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("VDatum returned non-numeric value %s", b)
	}
	*n = vdatumNumber(v)
	return nil
}

type vdatumResponse struct {
	TX      vdatumNumber `json:"t_x"`
	TY      vdatumNumber `json:"t_y"`
	TZ      vdatumNumber `json:"t_z"`
	Message string       `json:"message"`
}

// Convert submits one point and returns the service's transformed
// coordinates.
func (c *VDatumClient) Convert(ctx context.Context, req VDatumRequest) (float64, float64, float64, error) {
	base := c.BaseURL
	if base == "" {
		base = defaultVDatumURL
	}
	region := req.Region
	if region == "" {
		region = "contiguous"
	}

	q := url.Values{}
	q.Set("s_x", strconv.FormatFloat(req.X, 'f', -1, 64))
	q.Set("s_y", strconv.FormatFloat(req.Y, 'f', -1, 64))
	q.Set("s_z", strconv.FormatFloat(req.Z, 'f', -1, 64))
	q.Set("region", region)
	q.Set("s_h_frame", req.SourceHorizontal)
	q.Set("s_v_frame", req.SourceVertical)
	q.Set("t_h_frame", req.TargetHorizontal)
	q.Set("t_v_frame", req.TargetVertical)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return 0, 0, 0, err
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("querying VDatum: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("reading VDatum response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("VDatum returned %s", resp.Status)
	}

	var decoded vdatumResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return 0, 0, 0, fmt.Errorf("parsing VDatum response: %w", err)
	}
	if decoded.Message != "" {
		return 0, 0, 0, fmt.Errorf("VDatum rejected the conversion: %s", decoded.Message)
	}
	return float64(decoded.TX), float64(decoded.TY), float64(decoded.TZ), nil
}

// VerifyPoint cross-checks one locally transformed point against the VDatum
// web service. The comparison is vertical: the service's t_z must agree with
// the local z within tolerance meters. Frame identifiers are taken from the
// transformer's CRS components; pass a request-shaping client for services
// with a different vocabulary.
func (t *Transformer) VerifyPoint(ctx context.Context, client *VDatumClient, x, y, z, tolerance float64) error {
	_, _, lz, err := t.TransformPoints([]float64{x}, []float64{y}, []float64{z})
	if err != nil {
		return err
	}
	_, _, rz, err := client.Convert(ctx, VDatumRequest{
		SourceHorizontal: t.from.Horizontal().ID,
		SourceVertical:   t.from.Vertical().ID,
		TargetHorizontal: t.to.Horizontal().ID,
		TargetVertical:   t.to.Vertical().ID,
		X:                x,
		Y:                y,
		Z:                z,
	})
	if err != nil {
		return err
	}
	if math.IsNaN(rz) {
		return fmt.Errorf("VDatum returned no vertical value for (%g, %g)", x, y)
	}
	if diff := math.Abs(lz[0] - rz); diff > tolerance {
		return fmt.Errorf("vertical mismatch against VDatum at (%g, %g): local %g, service %g, difference %g exceeds %g",
			x, y, lz[0], rz, diff, tolerance)
	}
	return nil
}
