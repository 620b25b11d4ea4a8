package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Control      ControlConfig      `mapstructure:"control"`
	Log          LogConfig          `mapstructure:"log"`
	Device       DeviceConfig       `mapstructure:"device"`
	Pump         PumpConfig         `mapstructure:"pump"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Queue        QueueConfig        `mapstructure:"queue"`
	MessageQueue MessageQueueConfig `mapstructure:"message_queue"`
}

// ControlConfig 操作端控制服务监听地址
type ControlConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DeviceConfig 测量仪器串口
type DeviceConfig struct {
	Port string `mapstructure:"port"`
}

// PumpConfig 注射泵链路与标定
type PumpConfig struct {
	// Mode: sim 或 serial
	Mode           string  `mapstructure:"mode"`
	ComPort        int     `mapstructure:"com_port"`
	SerialPort     string  `mapstructure:"serial_port"`
	Baud           int     `mapstructure:"baud"`
	DeviceID       int     `mapstructure:"device_id"`
	StepsPerStroke int     `mapstructure:"steps_per_stroke"`
	SyringeUL      float64 `mapstructure:"syringe_ul"`
}

// PathsConfig 脚本与数据的归档根目录
type PathsConfig struct {
	MethodsDir string `mapstructure:"methods_dir"`
	DataDir    string `mapstructure:"data_dir"`
}

// QueueConfig 顺序器调度参数
type QueueConfig struct {
	ItemDelaySeconds float64 `mapstructure:"item_delay_seconds"`
}

type MessageQueueConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Type     string         `mapstructure:"type"`
	Topic    string         `mapstructure:"topic"`
	Station  string         `mapstructure:"station"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

type RabbitMQConfig struct {
	URL         string `mapstructure:"url"`
	VirtualHost string `mapstructure:"virtual_host"`
	Exchange    string `mapstructure:"exchange"`
	RoutingKey  string `mapstructure:"routing_key"`
	QueueName   string `mapstructure:"queue_name"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	viper.SetDefault("pump.mode", "sim")
	viper.SetDefault("pump.baud", 9600)
	viper.SetDefault("pump.device_id", 1)
	viper.SetDefault("paths.methods_dir", "methods")
	viper.SetDefault("paths.data_dir", "data")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
