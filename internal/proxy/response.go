package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sells-group/geocode-proxy/pkg/geocode"
)

const contentType = "application/json; charset=utf-8"

type okBody struct {
	Ok coordinatesBody `json:"Ok"`
}

type coordinatesBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type errBody struct {
	Err errDetail `json:"Err"`
}

// errDetail keeps cause as a one-element list for wire compatibility with
// existing clients.
type errDetail struct {
	Kind  string   `json:"kind"`
	Cause []string `json:"cause"`
}

// RenderBody returns the JSON document and HTTP status for a result.
func RenderBody(res geocode.Result) ([]byte, int, error) {
	var (
		v      any
		status = http.StatusOK
	)
	if res.OK() {
		v = okBody{Ok: coordinatesBody{Latitude: res.Coords.Latitude, Longitude: res.Coords.Longitude}}
	} else {
		v = errBody{Err: errDetail{Kind: res.Err.Kind.String(), Cause: []string{res.Err.Cause}}}
		if res.Err.Kind == geocode.BadRequest {
			status = http.StatusBadRequest
		}
	}
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, 0, err
	}
	return body, status, nil
}

// RenderResponse builds the HTTP response for res, echoing the request's
// protocol version.
func RenderResponse(res geocode.Result, protoMajor, protoMinor int) (*http.Response, error) {
	body, status, err := RenderBody(res)
	if err != nil {
		return nil, err
	}
	if protoMajor != 1 {
		protoMajor, protoMinor = 1, 1
	}

	header := make(http.Header)
	header.Set("Content-Type", contentType)

	return &http.Response{
		StatusCode:    status,
		Proto:         fmt.Sprintf("HTTP/%d.%d", protoMajor, protoMinor),
		ProtoMajor:    protoMajor,
		ProtoMinor:    protoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
	}, nil
}

// resultKind names a result for logs and metrics.
func resultKind(res geocode.Result) string {
	if res.OK() {
		return "Ok"
	}
	return res.Err.Kind.String()
}
