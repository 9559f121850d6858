// Staminads
// Copyright (C) 2025 Staminads, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package geo resolves client IPs to locations using a local MaxMind
// database. Workspace-level suppression (city/region, coordinate precision)
// is applied by the session handler, not here.
package geo

import (
	"math"
	"net"

	"github.com/gravitational/trace"
	"github.com/oschwald/geoip2-golang"
)

// Location is the result of one IP lookup. Zero value means unknown.
type Location struct {
	Country   string
	Region    string
	City      string
	Latitude  float64
	Longitude float64
}

// Resolver looks up the location of a client IP. Implementations must be
// safe for concurrent use; lookups are synchronous and in-process.
type Resolver interface {
	// Resolve returns the location for ip. An IP absent from the database
	// returns a zero Location and no error.
	Resolve(ip net.IP) (Location, error)
	// Close releases the underlying database.
	Close() error
}

// MaxMindResolver resolves against a GeoIP2/GeoLite2 City mmdb file.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// NewMaxMindResolver opens the mmdb database at path.
func NewMaxMindResolver(path string) (*MaxMindResolver, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, trace.Wrap(err, "opening geoip database %q", path)
	}
	return &MaxMindResolver{reader: reader}, nil
}

// Resolve implements Resolver.
func (r *MaxMindResolver) Resolve(ip net.IP) (Location, error) {
	record, err := r.reader.City(ip)
	if err != nil {
		return Location{}, trace.Wrap(err)
	}
	loc := Location{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].Names["en"]
	}
	return loc, nil
}

// Close implements Resolver.
func (r *MaxMindResolver) Close() error {
	return trace.Wrap(r.reader.Close())
}

// RoundCoordinate rounds a latitude or longitude to precision decimal
// places. Precision 0 keeps whole degrees; negative precision clears the
// coordinate entirely.
func RoundCoordinate(v float64, precision int) float64 {
	if precision < 0 {
		return 0
	}
	scale := math.Pow10(precision)
	return math.Round(v*scale) / scale
}
