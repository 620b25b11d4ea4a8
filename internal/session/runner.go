package session

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/protocol/mscript"
)

var (
	// ErrNoResponse 活性探测未收到任何应答
	ErrNoResponse = errors.New("设备无应答")
	// ErrNotConnected 未连接时调用 Run
	ErrNotConnected = errors.New("仪器未连接")
	// ErrDeviceAbort 设备上报带 abort 的错误行; 软停止, 不是崩溃
	ErrDeviceAbort = errors.New("设备中止测量")
)

// 结束读循环的哨兵行
var terminators = map[string]struct{}{
	"*":                     {},
	"Measurement completed": {},
	"Script completed":      {},
}

// Options 会话构造参数
type Options struct {
	// Transport 直接注入链路 (测试用); 为空则 Connect 按 PortName 打开串口
	Transport Transport
	PortName  string
	// LineDelay 脚本行之间的发送间隔 (设备输入缓冲节流, 默认 10ms); 负数表示不等待
	LineDelay time.Duration
}

// Runner 单次测量会话: 连接 → 发送脚本 → 流式解码 → 断开。
// 生命周期内积累解码得到的采样点。
type Runner struct {
	logger    *zap.Logger
	decoder   *mscript.Decoder
	opts      Options
	transport Transport
	runID     string
	points    []mscript.DataPoint
}

func NewRunner(opts Options, logger *zap.Logger) *Runner {
	if opts.LineDelay == 0 {
		opts.LineDelay = 10 * time.Millisecond
	}
	return &Runner{
		logger:  logger,
		decoder: mscript.NewDecoder(logger),
		opts:    opts,
		runID:   uuid.NewString(),
	}
}

// RunID 本次会话的唯一标识
func (r *Runner) RunID() string { return r.runID }

// Points 到目前为止积累的采样点
func (r *Runner) Points() []mscript.DataPoint { return r.points }

// Connect 打开链路并发送活性探测: 单字节 't', 要求读超时内收到非空应答。
func (r *Runner) Connect() error {
	if r.transport == nil {
		if r.opts.Transport != nil {
			r.transport = r.opts.Transport
		} else {
			tr, err := OpenSerial(r.opts.PortName, r.logger)
			if err != nil {
				return err
			}
			r.transport = tr
		}
	}

	if err := r.transport.ResetBuffers(); err != nil {
		r.logger.Warn("清空链路缓冲失败", zap.Error(err))
	}
	if _, err := r.transport.Write([]byte("t\n")); err != nil {
		return fmt.Errorf("发送活性探测失败: %w", err)
	}
	resp, err := r.transport.ReadLine()
	if err != nil {
		return fmt.Errorf("读取探测应答失败: %w", err)
	}
	if strings.TrimSpace(resp) == "" {
		return ErrNoResponse
	}
	r.logger.Info("设备已应答", zap.String("run_id", r.runID), zap.String("response", strings.TrimSpace(resp)))
	return nil
}

// Run 将脚本逐行发送给设备并进入读循环。
// 返回 nil 表示正常完成; context 取消返回 ctx.Err(); 设备 abort 返回 ErrDeviceAbort;
// 链路错误包装后返回。格式错误的遥测行跳过并继续。
func (r *Runner) Run(ctx context.Context, script string) error {
	if r.transport == nil {
		return ErrNotConnected
	}

	r.logger.Info("发送脚本", zap.String("run_id", r.runID))
	for _, line := range strings.Split(strings.TrimSpace(script), "\n") {
		if _, err := r.transport.Write([]byte(line + "\n")); err != nil {
			return fmt.Errorf("发送脚本行失败: %w", err)
		}
		if r.opts.LineDelay > 0 {
			time.Sleep(r.opts.LineDelay)
		}
	}
	if _, err := r.transport.Write([]byte("\n")); err != nil {
		return fmt.Errorf("发送脚本结束行失败: %w", err)
	}
	r.logger.Info("脚本已发送, 开始采集", zap.String("run_id", r.runID))

	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("测量被取消", zap.String("run_id", r.runID))
			return err
		}

		raw, err := r.transport.ReadLine()
		if err != nil {
			r.logger.Error("链路读取失败", zap.String("run_id", r.runID), zap.Error(err))
			return fmt.Errorf("链路读取失败: %w", err)
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			continue
		}
		r.logger.Debug("设备输出", zap.String("line", text))

		if text[0] == mscript.RecordMarker {
			r.handleRecordLine(text)
		}
		if _, done := terminators[text]; done {
			r.logger.Info("测量完成", zap.String("run_id", r.runID), zap.Int("points", len(r.points)))
			return nil
		}
		if text[0] == '!' {
			r.logger.Warn("设备错误", zap.String("line", text))
			if strings.Contains(strings.ToLower(text), "abort") {
				return ErrDeviceAbort
			}
		}
	}
}

// handleRecordLine 解码一行遥测记录并提取采样点; 解码失败跳过该行
func (r *Runner) handleRecordLine(text string) {
	rec, err := r.decoder.DecodeRecord(text + "\n")
	if err != nil {
		r.logger.Warn("遥测行解码失败, 跳过", zap.String("line", text), zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	if dp, ok := mscript.ExtractDataPoint(rec); ok {
		r.points = append(r.points, dp)
	}
}

// SaveResults 将采样点写入按日归档的分隔文本文件。
// 固定两列表头; 电流在解码时已换算为 µA, 此处不再缩放。
func (r *Runner) SaveResults(dataDir, baseName string) (string, error) {
	if len(r.points) == 0 {
		return "", errors.New("没有可保存的数据")
	}

	dayDir := filepath.Join(dataDir, time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", fmt.Errorf("创建数据目录失败: %w", err)
	}

	path := filepath.Join(dayDir, fmt.Sprintf("%s_%s.csv", baseName, time.Now().Format("150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("创建数据文件失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Potential (V)", "Current (µA)"}); err != nil {
		return "", err
	}
	for _, p := range r.points {
		row := []string{
			strconv.FormatFloat(p.Potential, 'g', -1, 64),
			strconv.FormatFloat(p.Current, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	r.logger.Info("数据已保存", zap.String("path", path), zap.Int("points", len(r.points)))
	return path, nil
}

// Disconnect 关闭链路; 关闭自身的错误仅记录
func (r *Runner) Disconnect() {
	if r.transport == nil {
		return
	}
	if err := r.transport.Close(); err != nil {
		r.logger.Warn("关闭仪器链路失败", zap.Error(err))
	}
	r.transport = nil
	r.logger.Info("仪器已断开", zap.String("run_id", r.runID))
}

// Execute 完整生命周期: 读脚本文件 → 连接 → 运行 → 保存 → 断开。
// 所有设备与 I/O 错误降级为返回值, 不上抛崩溃。
func (r *Runner) Execute(ctx context.Context, scriptPath, dataDir string) (string, error) {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return "", fmt.Errorf("读取脚本文件失败: %w", err)
	}

	if err := r.Connect(); err != nil {
		return "", fmt.Errorf("连接仪器失败: %w", err)
	}
	defer r.Disconnect()

	runErr := r.Run(ctx, string(script))

	var csvPath string
	if len(r.points) > 0 {
		base := strings.TrimSuffix(filepath.Base(scriptPath), filepath.Ext(scriptPath))
		if csvPath, err = r.SaveResults(dataDir, base); err != nil {
			r.logger.Error("保存数据失败", zap.Error(err))
			if runErr == nil {
				runErr = err
			}
		}
	}
	return csvPath, runErr
}
