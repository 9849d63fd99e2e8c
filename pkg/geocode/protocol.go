package geocode

import (
	"fmt"
	"math"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Protocol describes how to address one geocoding backend, build its request
// and read coordinates out of its response body.
type Protocol interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	// Host is the backend's TLS endpoint domain.
	Host() string
	// Request builds the GET request for location. The location is embedded
	// verbatim, without URL encoding.
	Request(location string) *http.Request
	// Parse extracts coordinates from a response body.
	Parse(body []byte) (Coordinates, error)
}

// ParseError reports a backend body that lacks the expected JSON shape.
type ParseError struct {
	Provider string
	Path     string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s at %q", e.Provider, e.Reason, e.Path)
}

const (
	hereHost     = "geocoder.api.here.com"
	mapQuestHost = "www.mapquestapi.com"
)

// Here geocodes with the HERE Geocoder API 6.2.
type Here struct {
	AppID   string
	AppCode string
}

// NewHere creates a Here protocol with the given credentials.
func NewHere(appID, appCode string) *Here {
	return &Here{AppID: appID, AppCode: appCode}
}

// Name implements Protocol.
func (p *Here) Name() string { return "here" }

// Host implements Protocol.
func (p *Here) Host() string { return hereHost }

// Request implements Protocol.
func (p *Here) Request(location string) *http.Request {
	query := "app_id=" + p.AppID + "&app_code=" + p.AppCode + "&searchtext=" + location
	return newRawRequest(p.Host(), "/6.2/geocode.json", query)
}

// Parse implements Protocol.
func (p *Here) Parse(body []byte) (Coordinates, error) {
	return parseCoordinates(p.Name(), body, "Response.View.0.Result.0.Location.DisplayPosition", "Latitude", "Longitude")
}

// MapQuest geocodes with the MapQuest Geocoding API v1.
type MapQuest struct {
	Key string
}

// NewMapQuest creates a MapQuest protocol with the given key.
func NewMapQuest(key string) *MapQuest {
	return &MapQuest{Key: key}
}

// Name implements Protocol.
func (p *MapQuest) Name() string { return "mapquest" }

// Host implements Protocol.
func (p *MapQuest) Host() string { return mapQuestHost }

// Request implements Protocol.
func (p *MapQuest) Request(location string) *http.Request {
	query := "key=" + p.Key + "&location=" + location
	return newRawRequest(p.Host(), "/geocoding/v1/address", query)
}

// Parse implements Protocol.
func (p *MapQuest) Parse(body []byte) (Coordinates, error) {
	return parseCoordinates(p.Name(), body, "results.0.locations.0.latLng", "lat", "lng")
}

// newRawRequest builds an HTTP/1.1 GET whose request target is path?query
// exactly as given. Opaque keeps net/url from re-escaping the path, and
// RawQuery is written as-is. The empty User-Agent suppresses the default one.
func newRawRequest(host, path, query string) *http.Request {
	return &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Scheme: "https", Host: host, Opaque: path, RawQuery: query},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{"User-Agent": {""}},
		Host:       host,
	}
}

// parseCoordinates reads the object at path and its two numeric fields.
func parseCoordinates(provider string, body []byte, path, latField, lngField string) (Coordinates, error) {
	if !gjson.ValidBytes(body) {
		return Coordinates{}, &ParseError{Provider: provider, Path: "", Reason: "invalid JSON body"}
	}
	obj := gjson.GetBytes(body, path)
	if !obj.IsObject() {
		return Coordinates{}, &ParseError{Provider: provider, Path: path, Reason: "missing object"}
	}
	lat := obj.Get(latField)
	if lat.Type != gjson.Number {
		return Coordinates{}, &ParseError{Provider: provider, Path: path + "." + latField, Reason: "missing number"}
	}
	lng := obj.Get(lngField)
	if lng.Type != gjson.Number {
		return Coordinates{}, &ParseError{Provider: provider, Path: path + "." + lngField, Reason: "missing number"}
	}
	c := Coordinates{Latitude: lat.Float(), Longitude: lng.Float()}
	if !finite(c.Latitude) {
		return Coordinates{}, &ParseError{Provider: provider, Path: path + "." + latField, Reason: "non-finite number"}
	}
	if !finite(c.Longitude) {
		return Coordinates{}, &ParseError{Provider: provider, Path: path + "." + lngField, Reason: "non-finite number"}
	}
	return c, nil
}

func finite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
