package tracking

import (
	"github.com/iota-uz/telemetry-sdk/modules/tracking/presentation/controllers"
	"github.com/iota-uz/telemetry-sdk/modules/tracking/services"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/server"
)

type ModuleOptions struct {
	Store     delivery.Store
	Scheduler *delivery.Scheduler
	Service   *services.TrackingService
}

func NewModule(opts ModuleOptions) *Module {
	return &Module{opts: opts}
}

type Module struct {
	opts ModuleOptions
}

func (m *Module) Controllers() []server.Controller {
	return []server.Controller{
		controllers.NewEventsController(m.opts.Service),
		controllers.NewOpsController(m.opts.Scheduler, m.opts.Store),
		controllers.NewHealthController(m.opts.Store),
	}
}

func (m *Module) Name() string {
	return "tracking"
}
