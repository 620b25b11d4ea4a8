package pump

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 泵命令集 (ASCII, 单发):
//   ZR        归零初始化
//   S<nn>R    设置柱塞速度 (nn = 1..40)
//   I<port>R  选择阀口
//   A<steps>R 吸液, 目标为绝对行程位置
//   D<steps>R 排液, 数量为相对步数
// 注意 A/D 的绝对/相对不对称性: 容量模型依赖于此。
const (
	SpeedMin = 1
	SpeedMax = 40

	DefaultStepsPerStroke = 100000
	DefaultSyringeUL      = 1250.0

	// 注射器标定体积的下限 (µL)
	minSyringeUL = 1e-6
)

var (
	// ErrNotConnected 所有运动操作都要求已连接
	ErrNotConnected = errors.New("泵未连接")
	// ErrNegativeVolume 吸排体积不能为负
	ErrNegativeVolume = errors.New("体积不能为负")
)

// CapacityError 请求的柱塞运动超出注射器行程。
// 在发出任何硬件命令之前拒绝: 行程中的运动命令难以中止, 过行程有机械损坏风险。
type CapacityError struct {
	RequestedUL float64
	AvailableUL float64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("超出注射器容量: 请求 %.2f µL, 可用 %.2f µL", e.RequestedUL, e.AvailableUL)
}

// Options 控制器构造参数。等待时长为零值时取默认; 测试中设为负数表示不等待。
type Options struct {
	Simulated      bool
	SerialPortName string // 真实模式下的串口名; 为空则由端口号推导
	StepsPerStroke int
	SyringeUL      float64

	// Transport 直接注入链路 (测试用); 非空时忽略 Simulated
	Transport Transport

	CommandWait time.Duration // 普通命令后的等待 (默认 1s)
	InitWait    time.Duration // ZR 后的等待 (默认 1.5s)
	ValveWait   time.Duration // 阀口切换后的等待 (默认 900ms)
	SpeedSettle time.Duration // 设速后的稳定时间 (默认 200ms)
}

// Controller 注射泵控制器。
// 跟踪柱塞绝对位置 (步), 不变式: 0 ≤ plungerSteps ≤ stepsPerStroke。
// 位置只通过控制器动作变更; 断开重连后保留 (重新归零须显式 Initialize)。
type Controller struct {
	mu        sync.Mutex
	logger    *zap.Logger
	opts      Options
	transport Transport

	connected      bool
	devID          int
	stepsPerStroke int
	syringeUL      float64
	plungerSteps   int
	speedCode      int // 0 = 未设置
}

func NewController(opts Options, logger *zap.Logger) *Controller {
	if opts.StepsPerStroke < 1 {
		opts.StepsPerStroke = DefaultStepsPerStroke
	}
	if opts.SyringeUL <= 0 {
		opts.SyringeUL = DefaultSyringeUL
	}
	if opts.CommandWait == 0 {
		opts.CommandWait = time.Second
	}
	if opts.InitWait == 0 {
		opts.InitWait = 1500 * time.Millisecond
	}
	if opts.ValveWait == 0 {
		opts.ValveWait = 900 * time.Millisecond
	}
	if opts.SpeedSettle == 0 {
		opts.SpeedSettle = 200 * time.Millisecond
	}
	return &Controller{
		logger:         logger,
		opts:           opts,
		stepsPerStroke: opts.StepsPerStroke,
		syringeUL:      opts.SyringeUL,
	}
}

// Connect 打开泵链路。已连接时为幂等空操作。
// 驱动属性设置 (超时、重试、波特率) 是尽力而为的, 失败仅记录;
// 链路初始化调用必须成功, 否则连接失败并上抛底层错误。
func (c *Controller) Connect(port, baud, dev int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	tr := c.opts.Transport
	if tr == nil {
		if c.opts.Simulated {
			tr = NewSimTransport(c.logger)
		} else {
			tr = NewSerialTransport(c.opts.SerialPortName, baud, c.logger)
		}
	}

	if cfg, ok := tr.(Configurer); ok {
		if err := cfg.Configure(18*time.Second, 3, baud); err != nil {
			c.logger.Warn("泵驱动配置失败 (忽略)", zap.Error(err))
		}
	}

	if err := tr.Init(port); err != nil {
		return fmt.Errorf("泵链路初始化失败: %w", err)
	}

	c.transport = tr
	c.devID = dev
	c.connected = true
	c.logger.Info("泵已连接",
		zap.Int("port", port), zap.Int("baud", baud), zap.Int("dev", dev),
		zap.Bool("simulated", c.opts.Simulated))
	return nil
}

// Disconnect 释放链路。释放调用自身的错误被吞掉 (仅记录)。
// 柱塞位置跨断开保留, 避免重连后丢失已装载体积。
func (c *Controller) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	if err := c.transport.Exit(); err != nil {
		c.logger.Warn("泵链路释放失败 (忽略)", zap.Error(err))
	}
	c.transport = nil
	c.connected = false
	c.logger.Info("泵已断开")
}

func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConfigureCalibration 更新标定并保持物理装载体积不变:
// 先在旧标定下换算出当前体积, 再在新标定下换算回步数, 并截断到 [0, 新行程]。
func (c *Controller) ConfigureCalibration(stepsPerStroke int, syringeUL float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stepsPerStroke < 1 {
		stepsPerStroke = 1
	}
	if syringeUL < minSyringeUL {
		syringeUL = minSyringeUL
	}

	loadedUL := c.volumeForStepsLocked(c.plungerSteps)

	c.stepsPerStroke = stepsPerStroke
	c.syringeUL = syringeUL

	pos := int(math.Round(float64(stepsPerStroke) * loadedUL / syringeUL))
	if pos < 0 {
		pos = 0
	}
	if pos > stepsPerStroke {
		pos = stepsPerStroke
	}
	c.plungerSteps = pos

	c.logger.Info("泵标定已更新",
		zap.Int("steps_per_stroke", stepsPerStroke),
		zap.Float64("syringe_ul", syringeUL),
		zap.Int("plunger_steps", pos))
}

// SetSpeed 设置柱塞速度。超范围值截断到 [SpeedMin, SpeedMax]。
func (c *Controller) SetSpeed(code int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if code < SpeedMin {
		code = SpeedMin
	}
	if code > SpeedMax {
		code = SpeedMax
	}
	c.speedCode = code
	if _, err := c.send(fmt.Sprintf("S%dR", code), c.opts.SpeedSettle); err != nil {
		return err
	}
	return nil
}

// ValveTo 切换阀口。控制器层不校验端口范围 (模拟端静默忽略超范围, 真实端由固件决定)。
func (c *Controller) ValveTo(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	_, err := c.send(fmt.Sprintf("I%dR", port), c.opts.ValveWait)
	return err
}

// Initialize 发送归零命令并在成功后将柱塞位置复位为 0。
// 这是重新归零容量模型的唯一权威途径。
func (c *Controller) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if _, err := c.send("ZR", c.opts.InitWait); err != nil {
		return err
	}
	c.plungerSteps = 0
	return nil
}

// Aspirate 吸入指定体积。
// 容量检查在发出任何硬件命令之前完成; 命令目标为绝对行程位置。
func (c *Controller) Aspirate(volumeUL float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if volumeUL < 0 {
		return ErrNegativeVolume
	}

	delta := c.stepsForVolumeLocked(volumeUL)
	if delta == 0 {
		c.logger.Debug("吸液体积换算为 0 步, 跳过", zap.Float64("volume_ul", volumeUL))
		return nil
	}
	if c.plungerSteps+delta > c.stepsPerStroke {
		return &CapacityError{
			RequestedUL: volumeUL,
			AvailableUL: c.volumeForStepsLocked(c.stepsPerStroke - c.plungerSteps),
		}
	}

	if err := c.reassertSpeed(); err != nil {
		return err
	}

	target := c.plungerSteps + delta
	if _, err := c.send(fmt.Sprintf("A%dR", target), c.opts.CommandWait); err != nil {
		return err
	}
	c.plungerSteps = target
	return nil
}

// Dispense 排出指定体积。数量不能超过当前装载体积; 命令数量为相对步数。
func (c *Controller) Dispense(volumeUL float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return ErrNotConnected
	}
	if volumeUL < 0 {
		return ErrNegativeVolume
	}

	delta := c.stepsForVolumeLocked(volumeUL)
	if delta == 0 {
		c.logger.Debug("排液体积换算为 0 步, 跳过", zap.Float64("volume_ul", volumeUL))
		return nil
	}
	if delta > c.plungerSteps {
		return &CapacityError{
			RequestedUL: volumeUL,
			AvailableUL: c.volumeForStepsLocked(c.plungerSteps),
		}
	}

	if err := c.reassertSpeed(); err != nil {
		return err
	}

	if _, err := c.send(fmt.Sprintf("D%dR", delta), c.opts.CommandWait); err != nil {
		return err
	}
	c.plungerSteps -= delta
	return nil
}

// StepsForVolume 体积 (µL) 到步数的换算
func (c *Controller) StepsForVolume(volumeUL float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsForVolumeLocked(volumeUL)
}

// VolumeForSteps 步数到体积 (µL) 的换算
func (c *Controller) VolumeForSteps(steps int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumeForStepsLocked(steps)
}

// LoadedVolume 当前装载体积 (µL)
func (c *Controller) LoadedVolume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumeForStepsLocked(c.plungerSteps)
}

// RemainingCapacity 剩余可吸容量 (µL)
func (c *Controller) RemainingCapacity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumeForStepsLocked(c.stepsPerStroke - c.plungerSteps)
}

// PlungerSteps 柱塞当前绝对位置 (步)
func (c *Controller) PlungerSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plungerSteps
}

// StepsPerStroke 全行程步数
func (c *Controller) StepsPerStroke() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepsPerStroke
}

// SpeedCode 当前速度码, 0 表示未设置
func (c *Controller) SpeedCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speedCode
}

func (c *Controller) stepsForVolumeLocked(volumeUL float64) int {
	steps := int(math.Round(float64(c.stepsPerStroke) * volumeUL / c.syringeUL))
	if steps < 0 {
		return 0
	}
	return steps
}

func (c *Controller) volumeForStepsLocked(steps int) float64 {
	return c.syringeUL * float64(steps) / float64(c.stepsPerStroke)
}

// reassertSpeed 在运动命令前重申当前速度 (如已设置)
func (c *Controller) reassertSpeed() error {
	if c.speedCode == 0 {
		return nil
	}
	_, err := c.send(fmt.Sprintf("S%dR", c.speedCode), c.opts.SpeedSettle)
	return err
}

// send 发送单条命令: 优先同步路径, 失败时回退到免应答发送 + 读取最后应答
func (c *Controller) send(cmd string, wait time.Duration) (string, error) {
	ans, err := c.transport.SendCommand(cmd, c.devID)
	if err == nil {
		sleepFor(wait)
		return ans, nil
	}
	c.logger.Debug("同步发送失败, 回退到免应答路径", zap.String("cmd", cmd), zap.Error(err))
	if err2 := c.transport.SendNoWait(cmd, c.devID); err2 != nil {
		return "", fmt.Errorf("发送泵命令 %q 失败: %w", cmd, err)
	}
	sleepFor(wait)
	ans, err = c.transport.LastAnswer(c.devID)
	if err != nil {
		// 应答读取失败不致命, 命令可能已执行
		c.logger.Warn("读取泵应答失败", zap.String("cmd", cmd), zap.Error(err))
		return "", nil
	}
	return ans, nil
}

func sleepFor(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
