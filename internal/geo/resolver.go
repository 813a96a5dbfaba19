package geo

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"github.com/shehryarbajwa/browserbase-geo/internal/logger"
	"github.com/shehryarbajwa/browserbase-geo/internal/metrics"
	"github.com/shehryarbajwa/browserbase-geo/pkg/models"
)

// DefaultLocation is returned for private addresses and when every provider fails.
var DefaultLocation = models.Location{
	Latitude:  39.0438,
	Longitude: -77.4874,
	Country:   "US",
	City:      "Ashburn",
	Continent: "NA",
}

// DefaultTimeout bounds each provider lookup
const DefaultTimeout = 10 * time.Second

// Provider looks up the approximate location of a public IP address
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (models.Location, error)
}

// Resolver resolves client IPs through an ordered provider chain
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	fallback  models.Location
	logger    logger.Logger
}

// NewResolver creates a resolver trying providers in the given order
func NewResolver(log logger.Logger, timeout time.Duration, providers ...Provider) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		providers: providers,
		timeout:   timeout,
		fallback:  DefaultLocation,
		logger:    log,
	}
}

// Resolve returns the client's approximate location. It never fails: private or
// unparsable addresses and exhausted providers yield the default location.
func (r *Resolver) Resolve(ctx context.Context, ip string) models.Location {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || isLocal(addr) {
		return r.fallback
	}
	ip = addr.Unmap().String()

	for _, p := range r.providers {
		loc, err := r.lookup(ctx, p, ip)
		if err == nil {
			metrics.GeoLookups.WithLabelValues(p.Name(), "ok").Inc()
			return loc
		}
		metrics.GeoLookups.WithLabelValues(p.Name(), "error").Inc()
		r.logger.Debug("geo provider failed",
			logger.String("provider", p.Name()),
			logger.Error(err))

		if ctx.Err() != nil {
			break
		}
	}

	r.logger.Warn("all geo providers failed, using default location",
		logger.Int("providers", len(r.providers)))
	return r.fallback
}

func (r *Resolver) lookup(ctx context.Context, p Provider, ip string) (models.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	loc, err := p.Lookup(ctx, ip)
	if err != nil {
		return models.Location{}, err
	}
	if !Valid(loc) {
		return models.Location{}, errInvalidLocation
	}
	return loc, nil
}

func isLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified()
}
