package session

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// 测量仪器串口固定波特率
const DeviceBaud = 230400

// Transport 仪器的行式链路。
// ReadLine 为阻塞读, 受链路读超时约束: 超时返回空串而非错误, 使读循环成为轮询而非无限阻塞。
type Transport interface {
	Write(p []byte) (int, error)
	ReadLine() (string, error)
	ResetBuffers() error
	Close() error
}

// SerialTransport 基于串口的仪器链路
type SerialTransport struct {
	port   serial.Port
	logger *zap.Logger
	buf    []byte
}

// OpenSerial 以固定波特率打开仪器串口
func OpenSerial(portName string, logger *zap.Logger) (*SerialTransport, error) {
	mode := &serial.Mode{BaudRate: DeviceBaud}
	p, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("打开仪器串口 %s 失败: %w", portName, err)
	}
	if err := p.SetReadTimeout(time.Second); err != nil {
		p.Close()
		return nil, fmt.Errorf("设置仪器串口读超时失败: %w", err)
	}
	logger.Info("仪器串口已打开", zap.String("port", portName), zap.Int("baud", DeviceBaud))
	return &SerialTransport{port: p, logger: logger}, nil
}

func (t *SerialTransport) Write(p []byte) (int, error) {
	return t.port.Write(p)
}

// ReadLine 逐字节累积直到 '\n' 或读超时。
// 超时且无累积数据时返回空串, 让调用方有机会检查取消标志。
func (t *SerialTransport) ReadLine() (string, error) {
	one := make([]byte, 1)
	for {
		n, err := t.port.Read(one)
		if err != nil {
			return "", err
		}
		if n == 0 {
			// 读超时: 保留未完结的行, 返回空串让调用方轮询取消标志
			return "", nil
		}
		if one[0] == '\n' {
			line := string(t.buf) + "\n"
			t.buf = t.buf[:0]
			return line, nil
		}
		t.buf = append(t.buf, one[0])
	}
}

func (t *SerialTransport) ResetBuffers() error {
	if err := t.port.ResetInputBuffer(); err != nil {
		return err
	}
	return t.port.ResetOutputBuffer()
}

func (t *SerialTransport) Close() error {
	return t.port.Close()
}
