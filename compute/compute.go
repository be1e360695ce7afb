// Package compute defines the compute-backend contract and the
// per-region handler pool.
package compute

import (
	"fmt"
	"math/rand"

	"github.com/cloudbutton/gowren/compute/ibmcf"
	"github.com/cloudbutton/gowren/config"
	"github.com/cloudbutton/gowren/job"
	"github.com/cloudbutton/gowren/pkg/logger"
	"github.com/cloudbutton/gowren/storage"
)

// Handler is a client to one compute backend deployment (one region).
// Implementations must be safe for concurrent use.
type Handler interface {
	// Invoke fires one activation. A non-empty activation id means the
	// backend accepted the call. An empty id with a nil error is a
	// transient dispatch failure; the caller re-enqueues. A non-nil
	// error is a hard backend failure.
	Invoke(runtimeName string, memory int, payload *job.Payload) (string, error)

	// CreateRuntime deploys the named runtime and returns its metadata.
	CreateRuntime(name string, memory, timeoutSeconds int) (storage.RuntimeMeta, error)

	// GetRuntimeKey returns the storage key scoping this handler's
	// installation of the (name, memory) runtime.
	GetRuntimeKey(name string, memory int) string
}

// Pool holds one handler per configured region and hands them out
// uniformly at random. Random selection spreads load across regions
// without any coordination state.
type Pool struct {
	handlers []Handler
}

// NewPool wraps an explicit handler list; used by tests and custom wiring.
func NewPool(handlers []Handler) (*Pool, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("compute pool needs at least one handler")
	}
	return &Pool{handlers: handlers}, nil
}

// NewPoolFromConfig expands the compute section into one handler per
// region. A compute_backend_region list yields one handler per entry;
// otherwise the backend's own region setting is used as is.
func NewPoolFromConfig(cfg *config.Config) (*Pool, error) {
	backend := cfg.Pywren.ComputeBackend
	if backend != config.ComputeBackendDefault {
		return nil, fmt.Errorf("unsupported compute backend %q", backend)
	}

	regions := cfg.Regions()
	if len(regions) == 0 {
		h, err := ibmcf.New(cfg, cfg.IBMCF.Region)
		if err != nil {
			return nil, err
		}
		return &Pool{handlers: []Handler{h}}, nil
	}

	handlers := make([]Handler, 0, len(regions))
	for _, region := range regions {
		h, err := ibmcf.New(cfg, region)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}
	logger.Debug("Compute pool created with %d regional handlers", len(handlers))
	return &Pool{handlers: handlers}, nil
}

// Pick returns one handler chosen uniformly at random.
func (p *Pool) Pick() Handler {
	if len(p.handlers) == 1 {
		return p.handlers[0]
	}
	return p.handlers[rand.Intn(len(p.handlers))]
}

// Handlers returns the full handler list, in region order.
func (p *Pool) Handlers() []Handler {
	return p.handlers
}
