package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bonusperme/swcache/internal/fetch"
	"github.com/bonusperme/swcache/internal/logging"
	"github.com/bonusperme/swcache/internal/worker"
)

// ErrNoWorker 表示当前没有处于激活状态的 worker。
var ErrNoWorker = errors.New("no active worker")

// Registration 持有一个 scope 下的全部 worker 版本，并驱动其生命周期。
type Registration struct {
	logger *logrus.Logger

	// regMu 串行化 Register/Release 触发的安装与激活。
	regMu sync.Mutex

	mu      sync.RWMutex
	active  *worker.Worker
	waiting *worker.Worker
	clients map[string]*worker.Worker
	skip    map[*worker.Worker]bool
	history []*worker.Worker
	// activating 在 OnActivate 执行期间非空，fetch 事件在其关闭前挂起。
	activating chan struct{}
}

// NewRegistration 创建空的 registration。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &Registration{
		logger:  logger,
		clients: make(map[string]*worker.Worker),
		skip:    make(map[*worker.Worker]bool),
	}
}

// Register 安装新 worker，并在允许时立即激活。安装失败时新 worker 变为 redundant，
// 当前激活的 worker 不受影响。
func (r *Registration) Register(ctx context.Context, w *worker.Worker) error {
	if w == nil {
		return errors.New("worker is required")
	}
	r.regMu.Lock()
	defer r.regMu.Unlock()

	if err := w.Transition(worker.StateInstalling); err != nil {
		return err
	}
	r.logger.WithFields(logging.WorkerFields("register", w.CacheName(), string(worker.StateInstalling))).
		Info("worker_installing")

	if err := w.OnInstall(ctx, &lifecycle{reg: r, w: w}); err != nil {
		_ = w.Transition(worker.StateRedundant)
		r.clearSkip(w)
		r.logger.WithFields(logging.WorkerFields("install", w.CacheName(), string(worker.StateRedundant))).
			WithError(err).Error("worker_install_failed")
		return fmt.Errorf("install %s: %w", w.CacheName(), err)
	}
	if err := w.Transition(worker.StateInstalled); err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.waiting
	r.waiting = w
	r.history = append(r.history, w)
	promote := r.skip[w] || r.active == nil || r.controlledLocked(r.active) == 0
	r.mu.Unlock()

	if previous != nil {
		_ = previous.Transition(worker.StateRedundant)
		r.clearSkip(previous)
	}

	if !promote {
		r.logger.WithFields(logging.WorkerFields("install", w.CacheName(), string(worker.StateInstalled))).
			Info("worker_waiting")
		return nil
	}
	return r.activate(ctx, w)
}

// activate 把 waiting worker 提升为 active。调用方必须持有 regMu。
func (r *Registration) activate(ctx context.Context, w *worker.Worker) error {
	gate := make(chan struct{})
	r.mu.Lock()
	previous := r.active
	r.active = w
	r.activating = gate
	if r.waiting == w {
		r.waiting = nil
	}
	delete(r.skip, w)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.activating = nil
		r.mu.Unlock()
		close(gate)
	}()

	if previous != nil {
		_ = previous.Transition(worker.StateRedundant)
	}
	if err := w.Transition(worker.StateActivating); err != nil {
		return err
	}

	activateErr := w.OnActivate(ctx, &lifecycle{reg: r, w: w})
	if err := w.Transition(worker.StateActivated); err != nil {
		return errors.Join(activateErr, err)
	}

	fields := logging.WorkerFields("activate", w.CacheName(), string(worker.StateActivated))
	if previous != nil {
		fields["previous"] = previous.CacheName()
	}
	if activateErr != nil {
		r.logger.WithFields(fields).WithError(activateErr).Warn("worker_activate_failed")
		return fmt.Errorf("activate %s: %w", w.CacheName(), activateErr)
	}
	r.logger.WithFields(fields).Info("worker_activated")
	return nil
}

// Claim 让所有已知页面改由当前 active worker 控制。
func (r *Registration) Claim(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNoWorker
	}
	for id := range r.clients {
		r.clients[id] = r.active
	}
	return nil
}

// Dispatch 把 fetch 事件交给 clientID 对应的控制 worker。首次出现的页面绑定到
// 当前 active worker；没有 worker 时请求直接放行。激活进行中时等待激活完成。
func (r *Registration) Dispatch(ctx context.Context, clientID string, req *fetch.Request) worker.Outcome {
	r.mu.RLock()
	gate := r.activating
	r.mu.RUnlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return worker.Outcome{Kind: worker.NoResponse, Source: worker.SourceNone, Err: ctx.Err()}
		}
	}

	controller := r.controller(clientID)
	if controller == nil {
		return worker.Outcome{Kind: worker.Passthrough, Reason: worker.BypassNoWorker}
	}
	return controller.OnFetch(ctx, req)
}

func (r *Registration) controller(clientID string) *worker.Worker {
	if clientID == "" {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.active
	}

	r.mu.RLock()
	controller, known := r.clients[clientID]
	r.mu.RUnlock()
	if known {
		return controller
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if controller, known = r.clients[clientID]; known {
		return controller
	}
	r.clients[clientID] = r.active
	return r.active
}

// Release 忘记一个页面。旧 worker 的最后一个页面关闭后，waiting worker 会被激活。
func (r *Registration) Release(ctx context.Context, clientID string) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	delete(r.clients, clientID)
	next := r.waiting
	promote := next != nil && (r.active == nil || r.controlledLocked(r.active) == 0)
	r.mu.Unlock()

	if !promote {
		return nil
	}
	return r.activate(ctx, next)
}

// Active 返回当前激活的 worker，可能为 nil。
func (r *Registration) Active() *worker.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Wait 等待所有注册过的 worker 完成后台缓存写入。
func (r *Registration) Wait() {
	r.mu.RLock()
	workers := append([]*worker.Worker(nil), r.history...)
	r.mu.RUnlock()
	for _, w := range workers {
		w.Wait()
	}
}

// WorkerInfo 描述单个 worker 版本。
type WorkerInfo struct {
	CacheName string       `json:"cacheName"`
	State     worker.State `json:"state"`
	Clients   int          `json:"clients"`
}

// Snapshot 是 registration 的诊断视图。
type Snapshot struct {
	Active  *WorkerInfo `json:"active,omitempty"`
	Waiting *WorkerInfo `json:"waiting,omitempty"`
	Clients int         `json:"clients"`
}

// Snapshot 返回当前 active/waiting 版本与页面数量。
func (r *Registration) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Clients: len(r.clients)}
	if r.active != nil {
		snap.Active = r.infoLocked(r.active)
	}
	if r.waiting != nil {
		snap.Waiting = r.infoLocked(r.waiting)
	}
	return snap
}

func (r *Registration) infoLocked(w *worker.Worker) *WorkerInfo {
	return &WorkerInfo{
		CacheName: w.CacheName(),
		State:     w.State(),
		Clients:   r.controlledLocked(w),
	}
}

func (r *Registration) controlledLocked(w *worker.Worker) int {
	count := 0
	for _, controller := range r.clients {
		if controller == w {
			count++
		}
	}
	return count
}

func (r *Registration) clearSkip(w *worker.Worker) {
	r.mu.Lock()
	delete(r.skip, w)
	r.mu.Unlock()
}

// lifecycle 是传给单个 worker 的 Host 实现。
type lifecycle struct {
	reg *Registration
	w   *worker.Worker
}

func (l *lifecycle) SkipWaiting() {
	l.reg.mu.Lock()
	l.reg.skip[l.w] = true
	l.reg.mu.Unlock()
}

func (l *lifecycle) Claim(ctx context.Context) error {
	return l.reg.Claim(ctx)
}

var _ worker.Host = (*lifecycle)(nil)
