package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/maxladabaum/experiment-automation/internal/config"
	"github.com/maxladabaum/experiment-automation/internal/infra/kafka"
	"github.com/maxladabaum/experiment-automation/internal/infra/mq"
	"github.com/maxladabaum/experiment-automation/internal/infra/rabbitmq"
	"github.com/maxladabaum/experiment-automation/internal/pump"
	"github.com/maxladabaum/experiment-automation/internal/sequencer"
	"github.com/maxladabaum/experiment-automation/internal/server"
	"github.com/maxladabaum/experiment-automation/internal/session"
	"github.com/maxladabaum/experiment-automation/internal/store"
	"github.com/maxladabaum/experiment-automation/internal/usecase"
)

func main() {
	// 1. 配置加载
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		panic(err)
	}

	// Init Logger
	writeSyncer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize, // megabytes
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge, // days
		Compress:   cfg.Log.Compress,
	})
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	// Parse Log Level
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zap.DebugLevel // Default
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		writeSyncer,
		zap.NewAtomicLevelAt(level),
	)
	logger := zap.New(core, zap.AddCaller())
	defer logger.Sync()

	// 2. 基础设施层 (消息队列)
	producer := buildProducer(cfg, logger)
	defer producer.Close()

	topic := cfg.MessageQueue.Topic
	if topic == "" {
		topic = "lab_events"
	}
	dispatcher := usecase.NewEventDispatcher(producer, topic, cfg.MessageQueue.Station, 4, logger)
	dispatcher.Start()
	defer dispatcher.Stop()

	// 3. 设备层 (泵 + 测量会话工厂)
	pumpCtrl := pump.NewController(pump.Options{
		Simulated:      cfg.Pump.Mode != "serial",
		SerialPortName: cfg.Pump.SerialPort,
		StepsPerStroke: cfg.Pump.StepsPerStroke,
		SyringeUL:      cfg.Pump.SyringeUL,
	}, logger)
	if err := pumpCtrl.Connect(cfg.Pump.ComPort, cfg.Pump.Baud, cfg.Pump.DeviceID); err != nil {
		// 泵不可用不阻止启动, 泵动作项执行时会以 failed 记录
		logger.Warn("泵连接失败, 相关队列项将失败", zap.Error(err))
	}
	defer pumpCtrl.Disconnect()

	runScript := func(ctx context.Context, scriptPath string) (string, error) {
		// 每个脚本项一次全新会话, 串口不跨项复用
		runner := session.NewRunner(session.Options{PortName: cfg.Device.Port}, logger)
		return runner.Execute(ctx, scriptPath, cfg.Paths.DataDir)
	}

	// 4. 业务逻辑层 (顺序器 & 脚本存储 & 命令处理)
	seq := sequencer.New(pumpCtrl, runScript, dispatcher, sequencer.Options{
		ItemDelay: time.Duration(cfg.Queue.ItemDelaySeconds * float64(time.Second)),
	}, logger)
	scriptStore := store.NewScriptStore(cfg.Paths.MethodsDir, logger)
	h := usecase.NewControlHandler(seq, pumpCtrl, scriptStore, logger)

	// 5. 服务层
	srv := server.NewControlServer(cfg, logger, h)

	// 6. 启动服务
	go func() {
		if err := srv.Start(context.Background()); err != nil {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	seq.Stop()
	_ = srv.Stop(context.Background())
}

// buildProducer 按配置选择消息队列实现; 关闭或初始化失败时退化为 NoOp
func buildProducer(cfg *config.Config, logger *zap.Logger) mq.Producer {
	if !cfg.MessageQueue.Enabled {
		return mq.NewNoOpProducer()
	}

	switch cfg.MessageQueue.Type {
	case "kafka":
		p, err := kafka.NewKafkaProducer(cfg.MessageQueue.Kafka, logger)
		if err != nil {
			logger.Error("Failed to initialize Kafka producer", zap.Error(err))
			return mq.NewNoOpProducer()
		}
		return p
	default:
		p, err := rabbitmq.NewRabbitMQProducer(cfg.MessageQueue.RabbitMQ, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ producer structure", zap.Error(err))
			return mq.NewNoOpProducer()
		}
		return p
	}
}
