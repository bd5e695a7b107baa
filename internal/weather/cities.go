package weather

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// City is a supported forecast location.
type City struct {
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Latitude  float64 `json:"latitude" yaml:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude" validate:"longitude"`
	Timezone  string  `json:"timezone" yaml:"timezone" validate:"required,timezone"`

	loc *time.Location
}

// Key returns the canonical key used to index this city in caches and stores.
func (c City) Key() string {
	return c.Name
}

// Location returns the city's IANA time zone.
func (c City) Location() (*time.Location, error) {
	if c.loc != nil {
		return c.loc, nil
	}
	return time.LoadLocation(c.Timezone)
}

// DefaultCities is the built-in catalog the model is trained on.
func DefaultCities() []City {
	return []City{
		{Name: "London", Latitude: 51.5085, Longitude: -0.1257, Timezone: "Europe/London"},
		{Name: "New York", Latitude: 40.7128, Longitude: -74.0060, Timezone: "America/New_York"},
		{Name: "Tokyo", Latitude: 35.6895, Longitude: 139.6917, Timezone: "Asia/Tokyo"},
		{Name: "Sydney", Latitude: -33.8688, Longitude: 151.2093, Timezone: "Australia/Sydney"},
		{Name: "Delhi", Latitude: 28.6139, Longitude: 77.2090, Timezone: "Asia/Kolkata"},
		{Name: "Paris", Latitude: 48.8566, Longitude: 2.3522, Timezone: "Europe/Paris"},
		{Name: "Berlin", Latitude: 52.5200, Longitude: 13.4050, Timezone: "Europe/Berlin"},
		{Name: "Moscow", Latitude: 55.7558, Longitude: 37.6173, Timezone: "Europe/Moscow"},
		{Name: "Beijing", Latitude: 39.9042, Longitude: 116.4074, Timezone: "Asia/Shanghai"},
		{Name: "Seoul", Latitude: 37.5665, Longitude: 126.9780, Timezone: "Asia/Seoul"},
		{Name: "Singapore", Latitude: 1.3521, Longitude: 103.8198, Timezone: "Asia/Singapore"},
		{Name: "Dubai", Latitude: 25.276987, Longitude: 55.296249, Timezone: "Asia/Dubai"},
		{Name: "Los Angeles", Latitude: 34.0522, Longitude: -118.2437, Timezone: "America/Los_Angeles"},
		{Name: "San Francisco", Latitude: 37.7749, Longitude: -122.4194, Timezone: "America/Los_Angeles"},
		{Name: "Toronto", Latitude: 43.651070, Longitude: -79.347015, Timezone: "America/Toronto"},
		{Name: "São Paulo", Latitude: -23.5505, Longitude: -46.6333, Timezone: "America/Sao_Paulo"},
		{Name: "Johannesburg", Latitude: -26.2041, Longitude: 28.0473, Timezone: "Africa/Johannesburg"},
		{Name: "Istanbul", Latitude: 41.0082, Longitude: 28.9784, Timezone: "Europe/Istanbul"},
		{Name: "Bangkok", Latitude: 13.7563, Longitude: 100.5018, Timezone: "Asia/Bangkok"},
		{Name: "Mexico City", Latitude: 19.4326, Longitude: -99.1332, Timezone: "America/Mexico_City"},
	}
}

// Catalog is the validated, immutable set of supported cities.
type Catalog struct {
	cities []City
	byName map[string]int
}

// NewCatalog validates every record and resolves its time zone once.
func NewCatalog(cities []City) (*Catalog, error) {
	if len(cities) == 0 {
		return nil, fmt.Errorf("city catalog is empty")
	}

	c := &Catalog{
		cities: make([]City, 0, len(cities)),
		byName: make(map[string]int, len(cities)),
	}
	for _, city := range cities {
		city.Name = strings.TrimSpace(city.Name)
		if err := validate.Struct(city); err != nil {
			return nil, fmt.Errorf("invalid city %q: %w", city.Name, err)
		}
		if _, dup := c.byName[city.Name]; dup {
			return nil, fmt.Errorf("duplicate city %q", city.Name)
		}
		loc, err := time.LoadLocation(city.Timezone)
		if err != nil {
			return nil, fmt.Errorf("city %q: %w", city.Name, err)
		}
		city.loc = loc

		c.byName[city.Name] = len(c.cities)
		c.cities = append(c.cities, city)
	}
	return c, nil
}

// MustDefaultCatalog returns the catalog built from DefaultCities.
func MustDefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultCities())
	if err != nil {
		panic(err)
	}
	return c
}

type catalogFile struct {
	Cities []City `yaml:"cities"`
}

// LoadCatalogFile reads a YAML document of the form `cities: [{name, latitude, longitude, timezone}]`.
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read city catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse city catalog %s: %w", path, err)
	}
	return NewCatalog(f.Cities)
}

// Lookup resolves a user supplied name to a catalog city. Matching is exact
// after trimming, then case-insensitive.
func (c *Catalog) Lookup(name string) (City, error) {
	name = strings.TrimSpace(name)
	if i, ok := c.byName[name]; ok {
		return c.cities[i], nil
	}
	for _, city := range c.cities {
		if strings.EqualFold(city.Name, name) {
			return city, nil
		}
	}
	return City{}, fmt.Errorf("%w: %q", ErrUnknownCity, name)
}

// Names returns city names in catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.cities))
	for i, city := range c.cities {
		out[i] = city.Name
	}
	return out
}

// Cities returns a copy of the catalog records in order.
func (c *Catalog) Cities() []City {
	out := make([]City, len(c.cities))
	copy(out, c.cities)
	return out
}

// Len returns the number of cities.
func (c *Catalog) Len() int {
	return len(c.cities)
}
