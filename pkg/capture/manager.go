package capture

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
)

type managed struct {
	cfg    CameraConfig
	driver string
	ctrl   *Controller
}

// Manager runs one capture controller per configured camera
type Manager struct {
	cfg     *Config
	log     *zap.Logger
	cameras map[string]*managed

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a controller for every configured camera. Devices are
// not opened until Start.
func NewManager(cfg *Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		log:     logger,
		cameras: make(map[string]*managed),
	}

	for _, camCfg := range cfg.Cameras {
		opts := cfg.DriverOptions(camCfg, backend.Options{Logger: logger})
		drv, err := backend.New(camCfg.Driver, opts)
		if err != nil {
			return nil, fmt.Errorf("create camera %s: %w", camCfg.ID, err)
		}
		b, err := drv.Backend(camCfg.Index)
		if err != nil {
			return nil, fmt.Errorf("create camera %s: %w", camCfg.ID, err)
		}

		ctrlOpts := cfg.ControllerOptions(camCfg)
		ctrlOpts.Logger = logger
		ctrl := NewController(b, camCfg.Format, ctrlOpts)

		id := camCfg.ID
		ctrl.OnError(func(err error) {
			logger.Error("camera stopped on error", zap.String("camera", id), zap.Error(err))
		})
		m.cameras[id] = &managed{cfg: camCfg, driver: drv.Name(), ctrl: ctrl}
		logger.Info("camera configured",
			zap.String("camera", id),
			zap.String("driver", drv.Name()),
			zap.Stringer("index", camCfg.Index),
			zap.Stringer("format", camCfg.Format))
	}

	return m, nil
}

// Start starts every camera marked for auto start. A camera that fails to
// start is logged and left idle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.log.Info("starting cameras", zap.Int("count", len(m.cameras)))
	for _, id := range m.List() {
		if !m.cameras[id].cfg.ShouldStart() {
			continue
		}
		if err := m.StartCamera(ctx, id); err != nil {
			m.log.Warn("failed to start camera", zap.String("camera", id), zap.Error(err))
		}
	}
	return nil
}

// Stop stops every camera.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Unlock()

	for _, c := range m.cameras {
		c.ctrl.Stop()
	}
	m.log.Info("all cameras stopped")
}

// Wait blocks until the context passed to Start is cancelled.
func (m *Manager) Wait() {
	m.mu.RLock()
	ctx := m.ctx
	m.mu.RUnlock()
	if ctx == nil {
		return
	}
	<-ctx.Done()
}

// StartCamera starts one camera.
func (m *Manager) StartCamera(ctx context.Context, id string) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	if !m.cfg.Features.Threaded {
		return camerr.New(camerr.InvalidState, "start camera", "threaded capture is disabled")
	}
	return c.ctrl.Start(ctx)
}

// StopCamera stops one camera.
func (m *Manager) StopCamera(id string) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	return c.ctrl.Stop()
}

func (m *Manager) lookup(id string) (*managed, error) {
	c, ok := m.cameras[id]
	if !ok {
		return nil, camerr.New(camerr.DeviceNotFound, "camera", "no camera %q", id)
	}
	return c, nil
}

// Get returns a camera's controller.
func (m *Manager) Get(id string) (*Controller, bool) {
	c, ok := m.cameras[id]
	if !ok {
		return nil, false
	}
	return c.ctrl, true
}

// List returns camera IDs, sorted.
func (m *Manager) List() []string {
	ids := make([]string, 0, len(m.cameras))
	for id := range m.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Status returns one camera's status.
func (m *Manager) Status(id string) (CameraStatus, error) {
	c, err := m.lookup(id)
	if err != nil {
		return CameraStatus{}, err
	}
	return CameraStatus{
		CameraID:  id,
		Driver:    c.driver,
		Index:     c.cfg.Index,
		Requested: c.cfg.Format,
		Stats:     c.ctrl.Stats(),
	}, nil
}

// Statuses returns the status of every camera, sorted by ID.
func (m *Manager) Statuses() []CameraStatus {
	ids := m.List()
	out := make([]CameraStatus, 0, len(ids))
	for _, id := range ids {
		st, _ := m.Status(id)
		out = append(out, st)
	}
	return out
}

// Running reports whether any camera is capturing.
func (m *Manager) Running() bool {
	for _, c := range m.cameras {
		if c.ctrl.State() == Running {
			return true
		}
	}
	return false
}

// Features returns the configured capability flags.
func (m *Manager) Features() Features { return m.cfg.Features }
