package pump

import "time"

// Transport 泵链路能力集: 初始化、发送命令、免应答发送、读取最后应答、退出。
// 两个实现: SimTransport (无硬件) 与 SerialTransport (真实串口)。
type Transport interface {
	// Init 打开到指定端口号的链路, 失败则连接失败
	Init(port int) error
	// SendCommand 发送单条命令并等待设备应答
	SendCommand(cmd string, dev int) (string, error)
	// SendNoWait 发送命令但不等待应答 (SendCommand 失败时的回退路径)
	SendNoWait(cmd string, dev int) error
	// LastAnswer 读取设备最近一次应答
	LastAnswer(dev int) (string, error)
	// Exit 释放链路
	Exit() error
}

// Configurer 可选的尽力而为驱动配置; 设置失败不视为致命 (仅记录)
type Configurer interface {
	Configure(ackTimeout time.Duration, retryCount int, baud int) error
}
