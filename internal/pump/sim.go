package pump

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SimTransport 模拟泵链路: 记录收到的命令并以近似真实的时序应答。
// 阀口在模拟端跟踪; 超范围端口静默忽略 (50ms 空操作), 与真实固件行为解耦。
type SimTransport struct {
	mu         sync.Mutex
	logger     *zap.Logger
	opened     bool
	commands   []string
	lastAnswer string
	valvePort  int

	// Delay 每条命令的模拟执行时间; 测试中设为 0
	Delay time.Duration
}

func NewSimTransport(logger *zap.Logger) *SimTransport {
	return &SimTransport{logger: logger, Delay: 50 * time.Millisecond}
}

func (t *SimTransport) Init(port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened = true
	if t.logger != nil {
		t.logger.Info("[SIM] 泵链路已打开", zap.Int("port", port))
	}
	return nil
}

func (t *SimTransport) SendCommand(cmd string, dev int) (string, error) {
	t.mu.Lock()
	if !t.opened {
		t.mu.Unlock()
		return "", errors.New("模拟链路未打开")
	}
	t.commands = append(t.commands, cmd)
	t.apply(cmd)
	t.lastAnswer = "ok"
	delay := t.Delay
	t.mu.Unlock()

	time.Sleep(delay)
	return "ok", nil
}

func (t *SimTransport) SendNoWait(cmd string, dev int) error {
	_, err := t.SendCommand(cmd, dev)
	return err
}

func (t *SimTransport) LastAnswer(dev int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAnswer, nil
}

func (t *SimTransport) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened = false
	return nil
}

// Commands 返回已记录命令的副本 (测试用)
func (t *SimTransport) Commands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.commands))
	copy(out, t.commands)
	return out
}

// ValvePort 返回模拟端当前阀口
func (t *SimTransport) ValvePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valvePort
}

func (t *SimTransport) apply(cmd string) {
	if strings.HasPrefix(cmd, "I") && strings.HasSuffix(cmd, "R") {
		port, err := strconv.Atoi(cmd[1 : len(cmd)-1])
		if err != nil {
			return
		}
		if port < 1 || port > 9 {
			// 超范围阀口: 静默忽略
			return
		}
		t.valvePort = port
	}
}
