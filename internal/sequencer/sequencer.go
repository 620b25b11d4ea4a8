package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/pump"
)

var (
	// ErrAlreadyRunning 队列或即时动作正在执行
	ErrAlreadyRunning = errors.New("队列已在运行")
	// ErrQueueEmpty 队列为空
	ErrQueueEmpty = errors.New("队列为空")
)

// Pump 顺序器依赖的泵能力集合
type Pump interface {
	Initialize() error
	SetSpeed(code int) error
	ValveTo(port int) error
	Aspirate(volumeUL float64) error
	Dispense(volumeUL float64) error
	StepsForVolume(volumeUL float64) int
	VolumeForSteps(steps int) float64
	PlungerSteps() int
	StepsPerStroke() int
}

// ScriptFunc 执行一次完整测量会话, 返回数据文件路径。
// 每个脚本项都用一次全新的会话, 串口独占且不跨项复用。
type ScriptFunc func(ctx context.Context, scriptPath string) (string, error)

// EventSink 接收队列状态事件; 可为 nil 表示不上报
type EventSink interface {
	Dispatch(data interface{})
}

// Event 队列项状态变化事件, 经分发器投递到消息队列
type Event struct {
	EventID  string `json:"event_id"`
	ItemType string `json:"item_type"`
	Status   string `json:"status"`
	Details  string `json:"details"`
	DataPath string `json:"data_path,omitempty"`
	Time     int64  `json:"time"`
}

// Options 顺序器调度参数
type Options struct {
	// ItemDelay 队列项之间的固定间隔 (默认 1s); 负数表示不等待
	ItemDelay time.Duration
	// PauseTick 暂停项的协作式轮询粒度 (默认 500ms, 不超过该值)
	PauseTick time.Duration
}

// Sequencer 严格顺序执行的动作队列。同一时刻至多一个动作在执行,
// 物理设备 (串口, 泵链路) 为独占资源, 绝不并发下发命令。
type Sequencer struct {
	mu        sync.Mutex
	logger    *zap.Logger
	pump      Pump
	runScript ScriptFunc
	events    EventSink
	opts      Options
	items     []*Item
	running   bool
	cancel    context.CancelFunc
}

func New(p Pump, runScript ScriptFunc, events EventSink, opts Options, logger *zap.Logger) *Sequencer {
	if opts.ItemDelay == 0 {
		opts.ItemDelay = time.Second
	}
	if opts.PauseTick <= 0 || opts.PauseTick > 500*time.Millisecond {
		opts.PauseTick = 500 * time.Millisecond
	}
	return &Sequencer{
		logger:    logger,
		pump:      p,
		runScript: runScript,
		events:    events,
		opts:      opts,
	}
}

// Items 当前队列快照 (按值拷贝, 调用方可安全持有)
func (s *Sequencer) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Item, len(s.items))
	for i, it := range s.items {
		out[i] = *it
	}
	return out
}

// Running 队列是否在执行中
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Enqueue 直接追加队列项, 不做容量预检 (加载恢复路径使用)。
// 状态为空时归一化为 pending。
func (s *Sequencer) Enqueue(items ...*Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if it.Status == "" {
			it.Status = StatusPending
		}
		s.items = append(s.items, it)
	}
}

// EnqueuePause 追加暂停项
func (s *Sequencer) EnqueuePause(seconds float64) {
	s.Enqueue(NewPauseItem(seconds))
}

// EnqueueScript 追加测量脚本项
func (s *Sequencer) EnqueueScript(technique, scriptPath, details string) {
	s.Enqueue(NewScriptItem(technique, scriptPath, details))
}

// EnqueuePumpInit 追加泵初始化项
func (s *Sequencer) EnqueuePumpInit() {
	s.Enqueue(newPumpItem(ActionInit, PumpParams{}, "Pump: Initialize (ZR)"))
}

// EnqueueSetSpeed 追加设速项
func (s *Sequencer) EnqueueSetSpeed(speed int) {
	s.Enqueue(newPumpItem(ActionSetSpeed, PumpParams{Speed: speed}, fmt.Sprintf("Pump: Set speed S%dR", speed)))
}

// EnqueueValve 追加阀位项
func (s *Sequencer) EnqueueValve(port int) {
	s.Enqueue(newPumpItem(ActionValve, PumpParams{Port: port}, fmt.Sprintf("Pump: Valve -> %d", port)))
}

// EnqueueDispense 追加排液项; 排液无需容量预检, 执行时由泵自身的模型把关
func (s *Sequencer) EnqueueDispense(volumeUL float64, speed int) {
	s.Enqueue(newPumpItem(ActionDispense, PumpParams{Volume: volumeUL, Speed: speed},
		fmt.Sprintf("Pump: Dispense %.2f µL @ S%dR", volumeUL, speed)))
}

// EnqueueAspirate 追加吸液项, 入队前做容量预检:
// 把队列里所有 pending/running 的泵动作投影到假想柱塞位置,
// 若再叠加本次吸液会超出整个行程则拒绝入队。
// 这是独立于泵控制器执行期检查的第二道关口 — 已排队未执行的体积也要计入。
func (s *Sequencer) EnqueueAspirate(volumeUL float64, speed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	projected := s.projectedStepsLocked() + s.pump.StepsForVolume(volumeUL)
	if projected > s.pump.StepsPerStroke() {
		return &pump.CapacityError{
			RequestedUL: volumeUL,
			AvailableUL: s.remainingCapacityLocked(),
		}
	}
	s.items = append(s.items, newPumpItem(ActionAspirate, PumpParams{Volume: volumeUL, Speed: speed},
		fmt.Sprintf("Pump: Aspirate %.2f µL @ S%dR", volumeUL, speed)))
	return nil
}

// EnqueueSampleToWaste 追加一组取样排废动作:
// 阀到样品口 → 吸液 → 阀到废液口 → 排液。吸液入队沿用容量预检。
func (s *Sequencer) EnqueueSampleToWaste(samplePort, wastePort int, volumeUL float64, speed int) error {
	s.EnqueueValve(samplePort)
	if err := s.EnqueueAspirate(volumeUL, speed); err != nil {
		return err
	}
	s.EnqueueValve(wastePort)
	s.EnqueueDispense(volumeUL, speed)
	return nil
}

// RemainingQueueCapacity 队列视角的剩余容量 (µL): 整个行程减去假想柱塞位置
func (s *Sequencer) RemainingQueueCapacity() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingCapacityLocked()
}

// projectedStepsLocked 从当前柱塞位置出发, 依次叠加所有未终结泵动作项的位移。
// 已完成/失败/停止的项跳过; INIT 归零, 吸液上限封顶, 排液下限归零。
func (s *Sequencer) projectedStepsLocked() int {
	steps := s.pump.PlungerSteps()
	for _, it := range s.items {
		if it.Status != StatusPending && it.Status != StatusRunning {
			continue
		}
		if it.PumpAction == nil {
			continue
		}
		switch it.PumpAction.Name {
		case ActionInit:
			steps = 0
		case ActionAspirate:
			steps = min(s.pump.StepsPerStroke(), steps+s.pump.StepsForVolume(it.PumpAction.Params.Volume))
		case ActionDispense:
			steps = max(0, steps-s.pump.StepsForVolume(it.PumpAction.Params.Volume))
		}
	}
	return steps
}

func (s *Sequencer) remainingCapacityLocked() float64 {
	remaining := max(0, s.pump.StepsPerStroke()-s.projectedStepsLocked())
	return s.pump.VolumeForSteps(remaining)
}

// Clear 清空队列; 运行中拒绝
func (s *Sequencer) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.items = nil
	return nil
}

// Stop 请求停止: 在下一个轮询点 (下一项, 暂停滴答, 会话读循环) 生效。
// 不会打断已经下发到泵的单条命令。
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Run 在调用方协程里顺序执行整个队列。通常由上层放入单独的 worker 协程。
// 正常跑完返回 nil; 被停止返回 context 错误; 单项失败不会中断队列。
func (s *Sequencer) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(s.items) == 0 {
		s.mu.Unlock()
		return ErrQueueEmpty
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	snapshot := make([]*Item, len(s.items))
	copy(snapshot, s.items)
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.logger.Info("队列开始执行", zap.Int("items", len(snapshot)))
	for i, it := range snapshot {
		if err := ctx.Err(); err != nil {
			s.logger.Info("队列执行被停止", zap.Int("remaining", len(snapshot)-i))
			return err
		}

		status := s.executeItem(ctx, it)
		if status == StatusStopped {
			s.logger.Info("队列执行被停止", zap.String("item", it.Details))
			return context.Canceled
		}

		// 项间固定间隔
		if !sleepCtx(ctx, s.opts.ItemDelay) {
			s.logger.Info("队列执行被停止", zap.Int("remaining", len(snapshot)-i-1))
			return ctx.Err()
		}
	}
	s.logger.Info("队列执行完成", zap.Int("items", len(snapshot)))
	return nil
}

// RunItem 立即执行单个动作, 不入队。与队列互斥, 共用同一个运行标志。
func (s *Sequencer) RunItem(ctx context.Context, it *Item) (Status, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return StatusPending, ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	return s.executeItem(ctx, it), nil
}

// executeItem 单项执行: 标记 running → 按类型分派 → 标记终结状态。
// 任何单项内的错误都在项边界被吸收为 failed 状态, 不向上抛。
func (s *Sequencer) executeItem(ctx context.Context, it *Item) Status {
	s.setStatus(it, StatusRunning)
	s.publish(it, "")
	s.logger.Info("执行队列项", zap.String("type", it.Type), zap.String("details", it.Details))

	var status Status
	var dataPath string
	switch {
	case it.Type == TypePause:
		status = s.executePause(ctx, it.PauseSeconds)
	case it.IsPumpAction():
		status = s.executePumpAction(it)
	default:
		dataPath, status = s.executeScript(ctx, it)
	}

	s.setStatus(it, status)
	s.publish(it, dataPath)
	s.logger.Info("队列项结束", zap.String("type", it.Type), zap.String("status", string(status)))
	return status
}

// executePause 协作式暂停: 小步睡眠并在每个滴答检查取消
func (s *Sequencer) executePause(ctx context.Context, seconds float64) Status {
	total := time.Duration(seconds * float64(time.Second))
	if total <= 0 {
		return StatusCompleted
	}
	deadline := time.Now().Add(total)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return StatusCompleted
		}
		s.logger.Debug("暂停中", zap.Duration("remaining", remaining))
		if !sleepCtx(ctx, min(remaining, s.opts.PauseTick)) {
			return StatusStopped
		}
	}
}

// executePumpAction 泵动作不可抢占: 一旦开始下发命令就执行到底。
// 吸排液前先按项内速度设速。
func (s *Sequencer) executePumpAction(it *Item) Status {
	act := it.PumpAction
	if act == nil || act.Name == "" {
		s.logger.Error("泵队列项缺少动作名", zap.String("details", it.Details))
		return StatusFailed
	}

	var err error
	switch act.Name {
	case ActionInit:
		err = s.pump.Initialize()
	case ActionSetSpeed:
		err = s.pump.SetSpeed(act.Params.Speed)
	case ActionValve:
		err = s.pump.ValveTo(act.Params.Port)
	case ActionAspirate:
		if err = s.pump.SetSpeed(act.Params.Speed); err == nil {
			err = s.pump.Aspirate(act.Params.Volume)
		}
	case ActionDispense:
		if err = s.pump.SetSpeed(act.Params.Speed); err == nil {
			err = s.pump.Dispense(act.Params.Volume)
		}
	default:
		s.logger.Error("不支持的泵动作", zap.String("action", act.Name))
		return StatusFailed
	}

	if err != nil {
		s.logger.Error("泵动作失败", zap.String("details", it.Details), zap.Error(err))
		return StatusFailed
	}
	return StatusCompleted
}

// executeScript 运行一次完整测量会话。
// 取消映射为 stopped, 设备或链路错误映射为 failed。
func (s *Sequencer) executeScript(ctx context.Context, it *Item) (string, Status) {
	dataPath, err := s.runScript(ctx, it.ScriptPath)
	switch {
	case err == nil:
		return dataPath, StatusCompleted
	case errors.Is(err, context.Canceled):
		return dataPath, StatusStopped
	default:
		s.logger.Error("测量脚本执行失败", zap.String("script", it.ScriptPath), zap.Error(err))
		return dataPath, StatusFailed
	}
}

func (s *Sequencer) setStatus(it *Item, status Status) {
	s.mu.Lock()
	it.Status = status
	s.mu.Unlock()
}

func (s *Sequencer) publish(it *Item, dataPath string) {
	if s.events == nil {
		return
	}
	s.mu.Lock()
	ev := Event{
		EventID:  uuid.NewString(),
		ItemType: it.Type,
		Status:   string(it.Status),
		Details:  it.Details,
		DataPath: dataPath,
		Time:     time.Now().Unix(),
	}
	s.mu.Unlock()
	s.events.Dispatch(ev)
}

// sleepCtx 可取消睡眠; 返回 false 表示因取消而提前返回
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
