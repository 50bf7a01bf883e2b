package container

import (
	"github.com/llmctl/llmctl/cmd/controlplane/service"
	"github.com/llmctl/llmctl/common/bootstrap"
	"github.com/llmctl/llmctl/common/ratelimit"
	"github.com/llmctl/llmctl/common/realtime"
	"github.com/llmctl/llmctl/common/runcontrol"
)

// authoringRateLimit is the flat per-workspace budget for the authoring
// surface. Submission uses the tier-aware limiter inside the run service
// instead.
const authoringRateLimit int64 = 300

// Container holds all initialized services (singleton pattern, built once
// at startup).
type Container struct {
	Components *bootstrap.Components

	Store       *service.Store
	Emitter     *realtime.Emitter
	Controller  *runcontrol.Controller
	RateLimiter *ratelimit.RateLimiter

	FlowchartService *service.FlowchartService
	RunService       *service.RunService

	AuthoringRateLimit int64
	GlobalRunLimit     int64
}

// NewContainer initializes all services once. Everything hangs off the
// bootstrap components; the emitter and controller share the same redis
// connection and run stream the engine workers use.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	store := service.NewStore(components.DB)

	emitter := realtime.NewEmitter(
		components.Redis,
		realtime.NewSequencer(),
		cfg.Realtime.RoomChannelPrefix,
		cfg.Realtime.BroadcastChannel,
		components.Logger,
	)

	controller := runcontrol.New(
		runcontrol.NewStore(components.DB),
		components.Queue,
		components.Redis,
		emitter,
		cfg.Queue.RunStream,
		components.Logger,
	)

	rateLimiter := ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), components.Logger)

	flowchartService := service.NewFlowchartService(store, components.Logger)

	runService := service.NewRunService(&service.RunServiceOpts{
		Graphs:     store,
		Runs:       store,
		Limiter:    rateLimiter,
		Publisher:  components.Queue,
		Emitter:    emitter,
		Controller: controller,
		RunStream:  cfg.Queue.RunStream,
		Logger:     components.Logger,
	})

	return &Container{
		Components:         components,
		Store:              store,
		Emitter:            emitter,
		Controller:         controller,
		RateLimiter:        rateLimiter,
		FlowchartService:   flowchartService,
		RunService:         runService,
		AuthoringRateLimit: authoringRateLimit,
		GlobalRunLimit:     ratelimit.DefaultGlobalConfig.Limit,
	}, nil
}
