// ============================================================================
// buildd Worker Pool - 建置 slot 管理
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的建置 slot，每個 slot 綁定一種架構與一個 backend
//
// 分配模型:
//   每個架構一條 FIFO 等待佇列 (container/list)。
//   Reserve() 依呼叫順序排隊，Wait() 阻塞直到分到 slot。
//   Release() 把 slot 交給同架構中等待最久的 reservation。
//
//   ┌──────────────┐  Reserve(amd64)   ┌─────────────────────┐
//   │  Dispatcher  │ ────────────────► │ waiters[amd64]      │
//   └──────────────┘                   │  r1 ─ r2 ─ r3       │
//          ▲                           └─────────┬───────────┘
//          │ Wait()                              │ dispatchLocked
//          └──────────── slot ◄── idle usable slot (config order)
//
// 隔離 (quarantine):
//   backend 損壞的 slot 標記為 unusable，不再參與分配，
//   並在背景呼叫 Provisioner.Repair (帶退避重試)；修好後才重新加入。
//
// 並發控制:
//   - mu: 保護 slot 表與等待佇列
//   - changed: 容量變化時 close 並替換，讓 dispatcher 可以等待
//   - wg: 追蹤背景修復 goroutine，Stop() 時等待結束
//
// ============================================================================

package worker

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/buildd/internal/retry"
	"github.com/ChuLiYu/buildd/internal/session"
	"github.com/ChuLiYu/buildd/pkg/types"
)

type slotState struct {
	spec   session.Slot
	busy   bool
	usable bool
	job    types.ClaimToken
}

func (s *slotState) info() SlotInfo {
	return SlotInfo{
		ID:      s.spec.ID,
		Arch:    s.spec.Arch,
		Backend: s.spec.Backend,
		Busy:    s.busy,
		Usable:  s.usable,
		Job:     s.job,
	}
}

// Options 調整 Pool 行為
type Options struct {
	RepairBackoff retry.Policy
	Logger        *slog.Logger
}

// Pool 管理所有建置 slot
type Pool struct {
	mu      sync.Mutex
	slots   []*slotState
	byID    map[string]*slotState
	waiters map[string]*list.List // arch -> *Reservation
	changed chan struct{}
	stats   Stats

	prov    Provisioner
	backoff retry.Policy
	logger  *slog.Logger

	started bool
	stopped bool
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool 建立 Pool；slot ID 必須唯一
func NewPool(slots []session.Slot, prov Provisioner, opts Options) (*Pool, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RepairBackoff.Initial <= 0 {
		opts.RepairBackoff = retry.DefaultPolicy()
	}
	if prov == nil {
		prov = CommandProvisioner{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		byID:    make(map[string]*slotState, len(slots)),
		waiters: make(map[string]*list.List),
		changed: make(chan struct{}),
		prov:    prov,
		backoff: opts.RepairBackoff,
		logger:  opts.Logger,
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, spec := range slots {
		if _, dup := p.byID[spec.ID]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate slot id %q", spec.ID)
		}
		s := &slotState{spec: spec, usable: true}
		p.slots = append(p.slots, s)
		p.byID[spec.ID] = s
		if _, ok := p.waiters[spec.Arch]; !ok {
			p.waiters[spec.Arch] = list.New()
		}
	}
	return p, nil
}

// Start 檢查所有 backend；失敗的 slot 進入隔離並開始修復。
// 沒有任何可用 slot 時回傳 ErrNoUsableSlots。
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool already started")
	}
	p.started = true
	slots := make([]*slotState, len(p.slots))
	copy(slots, p.slots)
	p.mu.Unlock()

	usable := 0
	for _, s := range slots {
		if err := p.prov.Check(ctx, s.spec); err != nil {
			p.logger.Error("slot backend check failed", "slot", s.spec.ID, "error", err)
			if qerr := p.Quarantine(s.spec.ID, err.Error()); qerr != nil {
				return qerr
			}
			continue
		}
		usable++
	}
	if usable == 0 {
		return ErrNoUsableSlots
	}
	p.logger.Info("worker pool started", "slots", len(slots), "usable", usable)
	return nil
}

// Stop 停止分配並結束背景修復；等待中的 reservation 收到 ErrPoolClosed
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	p.notifyLocked()
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// ============================================================================
// 分配
// ============================================================================

// Reservation 是一個排隊中的 slot 請求
type Reservation struct {
	pool  *Pool
	arch  string
	token types.ClaimToken
	elem  *list.Element     // 仍在佇列中時非 nil
	ready chan session.Slot // 容量 1，分配時寫入
}

// Reserve 依呼叫順序為 token 排隊取得 arch 的 slot。Start 之前回傳 ErrPoolNotStarted。
func (p *Pool) Reserve(arch string, token types.ClaimToken) (*Reservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, ErrPoolClosed
	}
	if !p.started {
		return nil, ErrPoolNotStarted
	}
	queue, ok := p.waiters[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownArch, arch)
	}
	r := &Reservation{pool: p, arch: arch, token: token, ready: make(chan session.Slot, 1)}
	r.elem = queue.PushBack(r)
	p.dispatchLocked(arch)
	return r, nil
}

// Wait 阻塞直到分到 slot、ctx 結束或 Pool 停止。
// 放棄等待時 reservation 自動取消，已分配的 slot 會被釋放。
func (r *Reservation) Wait(ctx context.Context) (session.Slot, error) {
	select {
	case slot := <-r.ready:
		return slot, nil
	default:
	}

	select {
	case slot := <-r.ready:
		return slot, nil
	case <-ctx.Done():
		r.Cancel()
		return session.Slot{}, ctx.Err()
	case <-r.pool.stopCh:
		r.Cancel()
		return session.Slot{}, ErrPoolClosed
	}
}

// Cancel 取消 reservation
func (r *Reservation) Cancel() {
	p := r.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.elem != nil {
		p.waiters[r.arch].Remove(r.elem)
		r.elem = nil
		p.notifyLocked()
		return
	}
	select {
	case slot := <-r.ready:
		if s := p.byID[slot.ID]; s != nil && s.busy {
			s.busy = false
			s.job = ""
			p.dispatchLocked(s.spec.Arch)
			p.notifyLocked()
		}
	default:
	}
}

// Acquire is Reserve followed by Wait.
func (p *Pool) Acquire(ctx context.Context, arch string, token types.ClaimToken) (session.Slot, error) {
	r, err := p.Reserve(arch, token)
	if err != nil {
		return session.Slot{}, err
	}
	return r.Wait(ctx)
}

// Release 歸還 slot，交給同架構等待最久的 reservation
func (p *Pool) Release(slotID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.byID[slotID]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSlot, slotID)
	}
	if !s.busy {
		return fmt.Errorf("%w: %s", ErrSlotNotBusy, slotID)
	}
	s.busy = false
	s.job = ""
	p.dispatchLocked(s.spec.Arch)
	p.notifyLocked()
	return nil
}

// Recycle 重置 backend 後釋放 slot；重置失敗則隔離
func (p *Pool) Recycle(ctx context.Context, slotID string) error {
	p.mu.Lock()
	s, ok := p.byID[slotID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownSlot, slotID)
	}

	if err := p.prov.Reset(ctx, s.spec); err != nil {
		p.logger.Warn("slot reset failed", "slot", slotID, "error", err)
		return p.Quarantine(slotID, err.Error())
	}
	return p.Release(slotID)
}

// dispatchLocked 把閒置 slot 依 FIFO 交給等待者
func (p *Pool) dispatchLocked(arch string) {
	queue := p.waiters[arch]
	if queue == nil || p.stopped {
		return
	}
	for queue.Len() > 0 {
		s := p.idleLocked(arch)
		if s == nil {
			return
		}
		r := queue.Remove(queue.Front()).(*Reservation)
		r.elem = nil
		s.busy = true
		s.job = r.token
		p.stats.Acquired++
		r.ready <- s.spec
	}
}

func (p *Pool) idleLocked(arch string) *slotState {
	for _, s := range p.slots {
		if s.spec.Arch == arch && s.usable && !s.busy {
			return s
		}
	}
	return nil
}

// ============================================================================
// 隔離與修復
// ============================================================================

// Quarantine 將 slot 移出分配並開始非同步修復
func (p *Pool) Quarantine(slotID, reason string) error {
	p.mu.Lock()
	s, ok := p.byID[slotID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownSlot, slotID)
	}
	wasUsable := s.usable
	s.usable = false
	s.busy = false
	s.job = ""
	if wasUsable {
		p.stats.Quarantines++
	}
	p.notifyLocked()
	stopped := p.stopped
	p.mu.Unlock()

	if !wasUsable || stopped {
		return nil
	}
	p.logger.Warn("slot quarantined", "slot", slotID, "backend", s.spec.Backend, "reason", reason)

	p.wg.Add(1)
	go p.repair(s)
	return nil
}

func (p *Pool) repair(s *slotState) {
	defer p.wg.Done()

	for attempt := 0; ; attempt++ {
		err := p.prov.Repair(p.ctx, s.spec)
		if err == nil {
			err = p.prov.Check(p.ctx, s.spec)
		}
		if err == nil {
			p.mu.Lock()
			s.usable = true
			p.stats.Repairs++
			p.dispatchLocked(s.spec.Arch)
			p.notifyLocked()
			p.mu.Unlock()
			p.logger.Info("slot repaired", "slot", s.spec.ID, "attempts", attempt+1)
			return
		}
		if p.ctx.Err() != nil {
			return
		}
		if p.backoff.MaxRetries > 0 && attempt >= p.backoff.MaxRetries {
			p.logger.Error("slot repair gave up; slot stays quarantined", "slot", s.spec.ID, "error", err)
			return
		}
		delay := p.backoff.Delay(attempt + 1)
		p.logger.Warn("slot repair failed", "slot", s.spec.ID, "attempt", attempt+1, "retry_in", delay, "error", err)
		if !sleepCtx(p.ctx, delay) {
			return
		}
	}
}

// ============================================================================
// 查詢
// ============================================================================

// Capacity 閒置可用 slot 數減去排隊中的 reservation 數 (可能為負)
func (p *Pool) Capacity(arch string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, s := range p.slots {
		if s.spec.Arch == arch && s.usable && !s.busy {
			idle++
		}
	}
	waiting := 0
	if q := p.waiters[arch]; q != nil {
		waiting = q.Len()
	}
	return idle - waiting
}

// Waiting returns the number of queued reservations for arch.
func (p *Pool) Waiting(arch string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q := p.waiters[arch]; q != nil {
		return q.Len()
	}
	return 0
}

// Usable returns the number of usable slots across all architectures.
func (p *Pool) Usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.usable {
			n++
		}
	}
	return n
}

// Architectures 回傳 slot 涵蓋的架構 (設定順序)
func (p *Pool) Architectures() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var archs []string
	for _, s := range p.slots {
		if !seen[s.spec.Arch] {
			seen[s.spec.Arch] = true
			archs = append(archs, s.spec.Arch)
		}
	}
	return archs
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		infos = append(infos, s.info())
	}
	return infos
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Changed 回傳在下一次容量變化時關閉的 channel
func (p *Pool) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}
