package api

import (
	"errors"
	"testing"
	"time"

	"github.com/talgya/starforge/internal/conversion"
	"github.com/talgya/starforge/internal/engine"
	"github.com/talgya/starforge/internal/events"
	"github.com/talgya/starforge/internal/exchange"
	"github.com/talgya/starforge/internal/flow"
	"github.com/talgya/starforge/internal/ledger"
	"github.com/talgya/starforge/internal/perf"
	"github.com/talgya/starforge/internal/registry"
	"github.com/talgya/starforge/internal/storage"
	"github.com/talgya/starforge/internal/threshold"
)

func fullRegistry() *registry.Registry {
	bus := events.NewBus(10)
	lg := ledger.New("ledger", bus, ledger.Options{})
	monitor := perf.NewMonitor("monitor", bus, 10, 10)

	services := registry.New()
	services.Register("engine", engine.NewEngine(time.Second, 1))
	services.Register("bus", bus)
	services.Register("ledger", lg)
	services.Register("exchange", exchange.New("exchange", bus, exchange.Options{}))
	services.Register("storage", storage.New("storage", bus, storage.Options{}))
	services.Register("thresholds", threshold.New("thresholds", bus, lg, 0))
	services.Register("flows", flow.New("flows", bus))
	services.Register("conversion", conversion.New("conversion", bus, lg))
	services.Register("monitor", monitor)
	services.Register("adaptive", perf.NewAdaptive(monitor, perf.ProfileBalanced))
	return services
}

func TestNewServerResolvesFromRegistry(t *testing.T) {
	s, err := NewServer(fullRegistry(), nil, 8080, "key")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.Eng == nil || s.Bus == nil || s.Ledger == nil || s.Exchange == nil ||
		s.Storage == nil || s.Thresholds == nil || s.Flows == nil ||
		s.Conversion == nil || s.Monitor == nil || s.Adaptive == nil {
		t.Fatalf("server missing collaborators: %+v", s)
	}
	// No "db" registered: persistence stays optional.
	if s.DB != nil {
		t.Fatal("DB resolved without a registration")
	}
}

func TestNewServerRequiresEveryService(t *testing.T) {
	services := registry.New()
	services.Register("engine", engine.NewEngine(time.Second, 1))

	_, err := NewServer(services, nil, 8080, "")
	if err == nil {
		t.Fatal("NewServer succeeded with missing services")
	}
	var na *registry.ErrNotAvailable
	if !errors.As(err, &na) || na.Name != "bus" {
		t.Fatalf("err = %v, want not-available for bus", err)
	}
}
