package server

import (
	"bytes"
	"context"
	"fmt"

	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"

	"github.com/maxladabaum/experiment-automation/internal/config"
	"github.com/maxladabaum/experiment-automation/internal/usecase"
)

// 单条命令长度上限, 超出视为协议滥用直接断开
const maxLineLength = 4096

// connContext 保存每个连接的状态
type connContext struct {
	buffer []byte
	addr   string
}

// ControlServer 操作端行式控制服务: 每行一条命令, 每条命令一个应答。
// 所有设备动作都经由 ControlHandler 转交顺序器, 服务本身不触碰硬件。
type ControlServer struct {
	gnet.BuiltinEventEngine

	addr      string
	multicore bool
	logger    *zap.Logger
	handler   *usecase.ControlHandler
}

func NewControlServer(cfg *config.Config, logger *zap.Logger, h *usecase.ControlHandler) *ControlServer {
	return &ControlServer{
		addr:      fmt.Sprintf("tcp://%s:%d", cfg.Control.Host, cfg.Control.Port),
		multicore: false, // 设备独占, 命令串行处理即可
		logger:    logger,
		handler:   h,
	}
}

func (s *ControlServer) OnBoot(eng gnet.Engine) (action gnet.Action) {
	s.logger.Info("Control server is booting", zap.String("address", s.addr))
	return
}

func (s *ControlServer) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	s.logger.Info("Operator connected", zap.String("remote_addr", c.RemoteAddr().String()))

	// 初始化连接上下文
	ctx := &connContext{
		buffer: make([]byte, 0, 1024),
		addr:   c.RemoteAddr().String(),
	}
	c.SetContext(ctx)

	out = []byte("experiment-automation ready\n")
	return
}

func (s *ControlServer) OnTraffic(c gnet.Conn) (action gnet.Action) {
	ctx := c.Context().(*connContext)

	// 读取新数据并追加到连接缓冲区
	buf, _ := c.Next(-1)
	if len(buf) > 0 {
		ctx.buffer = append(ctx.buffer, buf...)

		// 按行切分命令
		for {
			idx := bytes.IndexByte(ctx.buffer, '\n')
			if idx < 0 {
				if len(ctx.buffer) > maxLineLength {
					s.logger.Warn("Command line too long, closing", zap.String("addr", ctx.addr))
					action = gnet.Close
				}
				break
			}

			line := string(bytes.TrimRight(ctx.buffer[:idx], "\r"))
			ctx.buffer = ctx.buffer[idx+1:]
			if line == "" {
				continue
			}

			s.logger.Info("Control command", zap.String("addr", ctx.addr), zap.String("command", line))
			reply := s.handler.Handle(line)
			if _, err := c.Write([]byte(reply)); err != nil {
				s.logger.Warn("Failed to write reply", zap.Error(err), zap.String("addr", ctx.addr))
				action = gnet.Close
				return
			}
		}
	}

	return
}

func (s *ControlServer) OnClose(c gnet.Conn, err error) (action gnet.Action) {
	s.logger.Info("Operator disconnected", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
	return
}

func (s *ControlServer) OnShutdown(eng gnet.Engine) {
	s.logger.Info("Control server is shutting down")
}

func (s *ControlServer) Start(ctx context.Context) error {
	s.logger.Info("Starting control server", zap.String("addr", s.addr))
	return gnet.Run(s, s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithLogger(s.logger.Sugar()),
		gnet.WithReusePort(true),
	)
}

func (s *ControlServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping control server...")
	return gnet.Stop(ctx, s.addr)
}
