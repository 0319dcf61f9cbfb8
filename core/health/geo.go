package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	log "github.com/sirupsen/logrus"

	"singtool/internal/netutil"
)

// DefaultGeoAPIURL is the IP geolocation endpoint. The %s placeholder
// receives the host.
const DefaultGeoAPIURL = "http://ip-api.com/json/%s?fields=status,country"

// tldCountries maps well-known country-code TLDs to a country name, the
// last fallback before "unknown" when every lookup fails.
var tldCountries = map[string]string{
	".cn": "China",
	".jp": "Japan",
	".kr": "South Korea",
	".sg": "Singapore",
	".hk": "Hong Kong",
	".tw": "Taiwan",
	".us": "United States",
	".uk": "United Kingdom",
	".de": "Germany",
	".fr": "France",
	".ca": "Canada",
	".au": "Australia",
	".nl": "Netherlands",
	".ru": "Russia",
	".br": "Brazil",
	".in": "India",
}

// GeoResolver resolves a server host to a country, best effort. The
// chain is: local GeoLite2 database (if present), then the geolocation
// HTTP API, then the TLD table, then "unknown". Every step is optional;
// a resolver with no database and no reachable API still returns a value.
type GeoResolver struct {
	// APIURL overrides DefaultGeoAPIURL, mainly for tests.
	APIURL string
	// Client is the HTTP client for the API call.
	Client *http.Client

	db *maxminddb.Reader
}

// NewGeoResolver returns a resolver, opening the GeoLite2 database at
// mmdbPath when it exists. A missing or unreadable database only logs.
func NewGeoResolver(mmdbPath string) *GeoResolver {
	r := &GeoResolver{
		APIURL: DefaultGeoAPIURL,
		Client: netutil.NewHTTPClient(netutil.RequestTimeout),
	}
	if mmdbPath == "" {
		return r
	}
	db, err := maxminddb.Open(mmdbPath)
	if err != nil {
		log.Debugf("geo: no local database at %s: %v", mmdbPath, err)
		return r
	}
	r.db = db
	return r
}

// Close releases the GeoLite2 database, if one was opened.
func (r *GeoResolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Country resolves host to a country name or code. It never fails; the
// worst outcome is "unknown".
func (r *GeoResolver) Country(host string) string {
	if country, ok := r.lookupDB(host); ok {
		return country
	}
	if country, ok := r.lookupAPI(host); ok {
		return country
	}
	if country, ok := lookupTLD(host); ok {
		return country
	}
	return "unknown"
}

type geoDBRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

func (r *GeoResolver) lookupDB(host string) (string, bool) {
	if r.db == nil {
		return "", false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ctx, cancel := context.WithTimeout(context.Background(), netutil.DialTimeout)
		defer cancel()
		addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(addrs) == 0 {
			return "", false
		}
		ip = addrs[0]
	}
	var rec geoDBRecord
	if err := r.db.Lookup(ip, &rec); err != nil {
		log.Debugf("geo: database lookup for %s failed: %v", host, err)
		return "", false
	}
	if rec.Country.ISOCode != "" {
		return rec.Country.ISOCode, true
	}
	if rec.RegisteredCountry.ISOCode != "" {
		return rec.RegisteredCountry.ISOCode, true
	}
	return "", false
}

func (r *GeoResolver) lookupAPI(host string) (string, bool) {
	url := r.APIURL
	if url == "" {
		url = DefaultGeoAPIURL
	}
	resp, err := r.Client.Get(fmt.Sprintf(url, host))
	if err != nil {
		log.Debugf("geo: API lookup for %s failed: %v", host, err)
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var body struct {
		Status  string `json:"status"`
		Country string `json:"country"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false
	}
	if body.Status != "success" || body.Country == "" {
		return "", false
	}
	return body.Country, true
}

func lookupTLD(host string) (string, bool) {
	if net.ParseIP(host) != nil {
		return "", false
	}
	idx := strings.LastIndex(host, ".")
	if idx < 0 {
		return "", false
	}
	country, ok := tldCountries[strings.ToLower(host[idx:])]
	return country, ok
}
