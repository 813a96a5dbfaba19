package models

import "time"

// Location is an approximate point on the globe
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude" toml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude" toml:"longitude"`
	Country   string  `json:"country,omitempty" yaml:"country,omitempty" toml:"country"`
	City      string  `json:"city,omitempty" yaml:"city,omitempty" toml:"city"`
	Continent string  `json:"continent,omitempty" yaml:"continent,omitempty" toml:"continent"`
}

// Region represents a regional cluster that can serve browser sessions
type Region struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Endpoint   string        `json:"endpoint"`
	Location   Location      `json:"location"`
	Weight     int           `json:"weight"`
	MaxLatency time.Duration `json:"maxLatency,omitempty"` // zero means no budget
}

// HealthStatus is the last known health of a region
type HealthStatus struct {
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency"`
	LastCheck           time.Time     `json:"lastCheck"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// RegionStatus combines a region with its health for status queries
type RegionStatus struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Endpoint            string        `json:"endpoint"`
	Weight              int           `json:"weight"`
	Healthy             bool          `json:"healthy"`
	Latency             time.Duration `json:"latency"`
	LastCheck           time.Time     `json:"lastCheck"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
}

// RouteReason explains how a RouteDecision was reached
type RouteReason string

const (
	ReasonCached            RouteReason = "cached"
	ReasonOptimal           RouteReason = "optimal"
	ReasonFallbackNoHealthy RouteReason = "fallback-no-healthy-regions"
)

// RouteDecision is the region chosen for a client
type RouteDecision struct {
	RegionID   string        `json:"regionId"`
	Endpoint   string        `json:"endpoint"`
	DistanceKm float64       `json:"distanceKm"`
	Latency    time.Duration `json:"latency"`
	Reason     RouteReason   `json:"reason"`
	DecidedAt  time.Time     `json:"decidedAt"`
}
