package pump

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialTransport 通过串口直连泵控制器的真实链路。
// 命令为 ASCII 单发、无换行; 应答读取受读超时约束。
type SerialTransport struct {
	logger      *zap.Logger
	portName    string
	baud        int
	readTimeout time.Duration
	port        serial.Port
}

// NewSerialTransport 创建串口链路。portName 为空时由 Init 的端口号推导。
func NewSerialTransport(portName string, baud int, logger *zap.Logger) *SerialTransport {
	return &SerialTransport{
		logger:      logger,
		portName:    portName,
		baud:        baud,
		readTimeout: time.Second,
	}
}

func (t *SerialTransport) Init(port int) error {
	name := t.portName
	if name == "" {
		name = defaultPortName(port)
	}
	mode := &serial.Mode{BaudRate: t.baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return fmt.Errorf("打开泵串口 %s 失败: %w", name, err)
	}
	if err := p.SetReadTimeout(t.readTimeout); err != nil {
		p.Close()
		return fmt.Errorf("设置泵串口读超时失败: %w", err)
	}
	t.port = p
	t.logger.Info("泵串口已打开", zap.String("port", name), zap.Int("baud", t.baud))
	return nil
}

// Configure 尽力而为的驱动参数设置
func (t *SerialTransport) Configure(ackTimeout time.Duration, retryCount int, baud int) error {
	t.readTimeout = ackTimeout
	t.baud = baud
	if t.port != nil {
		if err := t.port.SetReadTimeout(ackTimeout); err != nil {
			return err
		}
	}
	return nil
}

func (t *SerialTransport) SendCommand(cmd string, dev int) (string, error) {
	if err := t.SendNoWait(cmd, dev); err != nil {
		return "", err
	}
	return t.LastAnswer(dev)
}

func (t *SerialTransport) SendNoWait(cmd string, dev int) error {
	if t.port == nil {
		return errors.New("泵串口未打开")
	}
	if _, err := t.port.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("写入泵命令失败: %w", err)
	}
	return nil
}

func (t *SerialTransport) LastAnswer(dev int) (string, error) {
	if t.port == nil {
		return "", errors.New("泵串口未打开")
	}
	buf := make([]byte, 64)
	n, err := t.port.Read(buf)
	if err != nil {
		return "", fmt.Errorf("读取泵应答失败: %w", err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

func (t *SerialTransport) Exit() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

func defaultPortName(port int) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf("COM%d", port)
	}
	return fmt.Sprintf("/dev/ttyUSB%d", port)
}
