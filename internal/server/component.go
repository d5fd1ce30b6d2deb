package server

import (
	"context"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/paper-soldier-go/pkg/log"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// DefaultFlavor 表示启动全部已注册组件。
const DefaultFlavor = "default"

// Component 为可按 flavor 启停的服务组件。
//
// 生命周期：Install -> Start -> Stop -> Uninstall。Install 中注册 Handler、回调与定时器，
// Start/Stop 管理组件自身的后台资源。
type Component interface {
	Name() string
	Install(s *Server) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Uninstall(s *Server) error
}

// ComponentState 为组件所处的生命周期阶段。
type ComponentState int32

const (
	ComponentNone ComponentState = iota
	ComponentInstalled
	ComponentStarted
	ComponentStopped
	ComponentUninstalled
)

func (s ComponentState) String() string {
	switch s {
	case ComponentNone:
		return "none"
	case ComponentInstalled:
		return "installed"
	case ComponentStarted:
		return "started"
	case ComponentStopped:
		return "stopped"
	case ComponentUninstalled:
		return "uninstalled"
	default:
		return "unknown"
	}
}

type componentEntry struct {
	comp  Component
	state ComponentState
}

// Components 按注册顺序管理组件。
type Components struct {
	mu      sync.Mutex
	entries []*componentEntry
}

// NewComponents 创建空的组件表。
func NewComponents() *Components {
	return &Components{}
}

// Register 注册组件，名称重复时返回 ErrComponentAlreadyExists。
func (c *Components) Register(comp Component) error {
	if comp == nil || comp.Name() == "" {
		return merr.WrapErrParameterInvalidMsg("component must have a name")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.find(comp.Name()) != nil {
		return merr.WrapErrComponentAlreadyExists(comp.Name())
	}
	c.entries = append(c.entries, &componentEntry{comp: comp})
	return nil
}

func (c *Components) find(name string) *componentEntry {
	e, _ := lo.Find(c.entries, func(e *componentEntry) bool { return e.comp.Name() == name })
	return e
}

// Names 返回已注册组件名，按注册顺序排列。
func (c *Components) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.entries, func(e *componentEntry, _ int) string { return e.comp.Name() })
}

// State 返回组件当前状态。
func (c *Components) State(name string) (ComponentState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.find(name)
	if e == nil {
		return ComponentNone, false
	}
	return e.state, true
}

// Start 安装并启动组件。
//
// flavor 为 DefaultFlavor 或空时按注册顺序启动全部组件，否则只启动同名组件。
// 任一组件失败时，已启动的组件按逆序回滚，并返回该错误。
func (c *Components) Start(ctx context.Context, s *Server, flavor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var targets []*componentEntry
	if flavor == "" || flavor == DefaultFlavor {
		targets = c.entries
	} else {
		e := c.find(flavor)
		if e == nil {
			return merr.WrapErrComponentNotFound(flavor)
		}
		targets = []*componentEntry{e}
	}

	for _, e := range targets {
		if err := c.start(ctx, s, e); err != nil {
			log.Warn("start component failed, rolling back", zap.String("component", e.comp.Name()), zap.Error(err))
			_ = c.stopLocked(ctx, s)
			return err
		}
	}
	return nil
}

func (c *Components) start(ctx context.Context, s *Server, e *componentEntry) error {
	logger := log.With(log.FieldComponent(e.comp.Name()))
	if e.state == ComponentNone || e.state == ComponentUninstalled {
		if err := e.comp.Install(s); err != nil {
			return err
		}
		e.state = ComponentInstalled
		logger.Info("component installed")
	}
	if e.state == ComponentStarted {
		return nil
	}
	if err := e.comp.Start(ctx); err != nil {
		return err
	}
	e.state = ComponentStarted
	logger.Info("component started")
	return nil
}

// Stop 按注册的逆序停止并卸载组件，跳过从未安装的组件。
func (c *Components) Stop(ctx context.Context, s *Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx, s)
}

func (c *Components) stopLocked(ctx context.Context, s *Server) error {
	var errs []error
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		logger := log.With(log.FieldComponent(e.comp.Name()))
		if e.state == ComponentStarted {
			if err := e.comp.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			e.state = ComponentStopped
			logger.Info("component stopped")
		}
		if e.state == ComponentInstalled || e.state == ComponentStopped {
			if err := e.comp.Uninstall(s); err != nil {
				errs = append(errs, err)
			}
			e.state = ComponentUninstalled
		}
	}
	return merr.Combine(errs...)
}
