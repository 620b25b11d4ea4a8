package usecase

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/protocol/mscript"
	"github.com/maxladabaum/experiment-automation/internal/pump"
	"github.com/maxladabaum/experiment-automation/internal/sequencer"
	"github.com/maxladabaum/experiment-automation/internal/store"
)

// ControlHandler 操作端命令处理器: 把行式文本命令翻译成对
// 顺序器 / 泵控制器 / 脚本存储的调用。每条命令一行, 每个应答以 OK 或 ERR 开头。
type ControlHandler struct {
	logger *zap.Logger
	seq    *sequencer.Sequencer
	pump   *pump.Controller
	store  *store.ScriptStore
}

func NewControlHandler(seq *sequencer.Sequencer, pumpCtrl *pump.Controller, scriptStore *store.ScriptStore, logger *zap.Logger) *ControlHandler {
	return &ControlHandler{
		logger: logger,
		seq:    seq,
		pump:   pumpCtrl,
		store:  scriptStore,
	}
}

// Handle 处理一行命令并返回应答文本 (可能多行, 均以 \n 结尾)
func (h *ControlHandler) Handle(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command\n"
	}
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	var reply string
	var err error
	switch cmd {
	case "STATUS":
		reply = h.status()
	case "CV":
		reply, err = h.addCV(args)
	case "SWV":
		reply, err = h.addSWV(args)
	case "PAUSE":
		reply, err = h.addPause(args)
	case "PUMP":
		reply, err = h.pumpCommand(args)
	case "RUN":
		reply, err = h.run()
	case "STOP":
		h.seq.Stop()
		reply = "OK stopping\n"
	case "CLEAR":
		if err = h.seq.Clear(); err == nil {
			reply = "OK queue cleared\n"
		}
	case "SAVE":
		reply, err = h.saveQueue(args)
	case "LOAD":
		reply, err = h.loadQueue(args)
	default:
		return fmt.Sprintf("ERR unknown command %q\n", cmd)
	}

	if err != nil {
		h.logger.Warn("控制命令失败", zap.String("command", line), zap.Error(err))
		return "ERR " + err.Error() + "\n"
	}
	return reply
}

// status 队列与泵状态概览
func (h *ControlHandler) status() string {
	var b strings.Builder
	items := h.seq.Items()
	running := "idle"
	if h.seq.Running() {
		running = "running"
	}
	fmt.Fprintf(&b, "OK queue=%s items=%d\n", running, len(items))
	for i, it := range items {
		fmt.Fprintf(&b, "%d %s %s %s\n", i+1, it.Type, strings.ToUpper(string(it.Status)), it.Details)
	}
	fmt.Fprintf(&b, "pump connected=%t plunger_steps=%d loaded_ul=%.2f remaining_ul=%.2f\n",
		h.pump.Connected(), h.pump.PlungerSteps(), h.pump.LoadedVolume(), h.seq.RemainingQueueCapacity())
	return b.String()
}

// addCV CV <begin> <v1> <v2> <step> <rate> <nscans> [cond_e cond_t]
func (h *ControlHandler) addCV(args []string) (string, error) {
	vals, err := parseTechniqueArgs(args)
	if err != nil {
		return "", err
	}
	params := mscript.CVParams{
		BeginPotential: vals[0],
		Vertex1:        vals[1],
		Vertex2:        vals[2],
		StepPotential:  vals[3],
		ScanRate:       vals[4],
		NScans:         int(vals[5]),
	}
	if len(vals) == 8 {
		params.CondPotential = vals[6]
		params.CondTime = vals[7]
	}
	return h.enqueueTechnique(params)
}

// addSWV SWV <begin> <end> <step> <amplitude> <frequency> <nscans> [cond_e cond_t]
func (h *ControlHandler) addSWV(args []string) (string, error) {
	vals, err := parseTechniqueArgs(args)
	if err != nil {
		return "", err
	}
	params := mscript.SWVParams{
		BeginPotential: vals[0],
		EndPotential:   vals[1],
		StepPotential:  vals[2],
		Amplitude:      vals[3],
		Frequency:      vals[4],
		NScans:         int(vals[5]),
	}
	if len(vals) == 8 {
		params.CondPotential = vals[6]
		params.CondTime = vals[7]
	}
	return h.enqueueTechnique(params)
}

// enqueueTechnique 生成脚本 → 存档 → 入队
func (h *ControlHandler) enqueueTechnique(t mscript.Technique) (string, error) {
	script, err := t.Script()
	if err != nil {
		return "", err
	}
	path, err := h.store.Save(strings.ToLower(t.Name()), script)
	if err != nil {
		return "", err
	}
	base := filepath.Base(path)
	h.seq.EnqueueScript(t.Name(), path, base)
	return fmt.Sprintf("OK %s queued as %s\n", t.Name(), base), nil
}

func (h *ControlHandler) addPause(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: PAUSE <seconds>")
	}
	seconds, err := strconv.ParseFloat(args[0], 64)
	if err != nil || seconds < 0 {
		return "", fmt.Errorf("invalid pause duration %q", args[0])
	}
	h.seq.EnqueuePause(seconds)
	return fmt.Sprintf("OK pause %.1fs queued\n", seconds), nil
}

// pumpCommand PUMP INIT | SPEED <n> | VALVE <p> | ASPIRATE <ul> <speed> | DISPENSE <ul> <speed> | WASTE <sample> <waste> <ul> <speed> | CAL <steps> <ul>
func (h *ControlHandler) pumpCommand(args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("usage: PUMP <action> [args]")
	}
	action := strings.ToUpper(args[0])
	rest := args[1:]

	switch action {
	case "INIT":
		h.seq.EnqueuePumpInit()
		return "OK pump init queued\n", nil
	case "SPEED":
		vals, err := parseFloats(rest, 1, 1)
		if err != nil {
			return "", err
		}
		h.seq.EnqueueSetSpeed(int(vals[0]))
		return fmt.Sprintf("OK speed S%dR queued\n", int(vals[0])), nil
	case "VALVE":
		vals, err := parseFloats(rest, 1, 1)
		if err != nil {
			return "", err
		}
		h.seq.EnqueueValve(int(vals[0]))
		return fmt.Sprintf("OK valve I%dR queued\n", int(vals[0])), nil
	case "ASPIRATE":
		vals, err := parseFloats(rest, 2, 2)
		if err != nil {
			return "", err
		}
		if err := h.seq.EnqueueAspirate(vals[0], int(vals[1])); err != nil {
			return "", err
		}
		return fmt.Sprintf("OK aspirate %.2f µL queued\n", vals[0]), nil
	case "DISPENSE":
		vals, err := parseFloats(rest, 2, 2)
		if err != nil {
			return "", err
		}
		h.seq.EnqueueDispense(vals[0], int(vals[1]))
		return fmt.Sprintf("OK dispense %.2f µL queued\n", vals[0]), nil
	case "WASTE":
		vals, err := parseFloats(rest, 4, 4)
		if err != nil {
			return "", err
		}
		if err := h.seq.EnqueueSampleToWaste(int(vals[0]), int(vals[1]), vals[2], int(vals[3])); err != nil {
			return "", err
		}
		return fmt.Sprintf("OK sample-to-waste %.2f µL queued\n", vals[2]), nil
	case "CAL":
		// 标定立即生效, 不入队: 后续入队的容量预检要按新标定换算
		vals, err := parseFloats(rest, 2, 2)
		if err != nil {
			return "", err
		}
		h.pump.ConfigureCalibration(int(vals[0]), vals[1])
		return fmt.Sprintf("OK calibration applied: steps/stroke=%d syringe=%.0f µL\n",
			h.pump.StepsPerStroke(), h.pump.VolumeForSteps(h.pump.StepsPerStroke())), nil
	default:
		return "", fmt.Errorf("unknown pump action %q", action)
	}
}

// run 在后台 worker 协程里启动队列; 重复启动返回错误
func (h *ControlHandler) run() (string, error) {
	items := h.seq.Items()
	if len(items) == 0 {
		return "", sequencer.ErrQueueEmpty
	}
	if h.seq.Running() {
		return "", sequencer.ErrAlreadyRunning
	}
	go func() {
		if err := h.seq.Run(context.Background()); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, sequencer.ErrAlreadyRunning) {
			h.logger.Error("队列执行异常结束", zap.Error(err))
		}
	}()
	return fmt.Sprintf("OK running %d items\n", len(items)), nil
}

func (h *ControlHandler) saveQueue(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: SAVE <path>")
	}
	if err := h.seq.SaveQueue(args[0]); err != nil {
		return "", err
	}
	return "OK queue saved\n", nil
}

func (h *ControlHandler) loadQueue(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: LOAD <path>")
	}
	loaded, skipped, err := h.seq.LoadQueue(args[0])
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("OK loaded %d items (skipped %d)\n", loaded, skipped), nil
}

// parseTechniqueArgs 技术参数为 6 个基本参数, 可选追加调理电位与时长两个一组
func parseTechniqueArgs(args []string) ([]float64, error) {
	vals, err := parseFloats(args, 6, 8)
	if err != nil {
		return nil, err
	}
	if len(vals) == 7 {
		return nil, errors.New("conditioning requires both potential and duration")
	}
	return vals, nil
}

// parseFloats 解析定长数值参数表; 允许 [minArgs, maxArgs] 个参数
func parseFloats(args []string, minArgs, maxArgs int) ([]float64, error) {
	if len(args) < minArgs || len(args) > maxArgs {
		return nil, fmt.Errorf("expected %d..%d numeric arguments, got %d", minArgs, maxArgs, len(args))
	}
	vals := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", a)
		}
		vals[i] = v
	}
	return vals, nil
}
