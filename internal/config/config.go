package config

import (
	"encoding/json"
	"errors"
	"os"
)

type Config struct {
	Server struct {
		Host           string `json:"host"`
		Port           int    `json:"port"`
		MaxPacketBytes int    `json:"max_packet_bytes"`
		SendQueueSize  int    `json:"send_queue_size"`
	} `json:"server"`
	Database struct {
		Host               string `json:"host"`
		Port               uint64 `json:"port"`
		Username           string `json:"username"`
		Password           string `json:"password"`
		Database           string `json:"database"`
		UseTLS             bool   `json:"use_tls"`
		ConnectTimeout     string `json:"connect_timeout"`
		SocketTimeout      string `json:"socket_timeout"`
		ConnectIdleTimeout string `json:"connect_idle_timeout"`
		OperationTimeout   string `json:"operation_timeout"`
		Heartbeat          string `json:"heartbeat"`
		MinPoolSize        uint64 `json:"min_pool_size"`
		MaxPoolSize        uint64 `json:"max_pool_size"`
	} `json:"database"`
	DebugMode bool   `json:"debug_mode"`
	AppName   string `json:"app_name"`
}

// 默认值，配置文件缺省字段时使用
const (
	DefaultPort           = 9009
	DefaultMaxPacketBytes = 100 * 1024 * 1024
	DefaultSendQueueSize  = 64
)

var config Config
var initialized = false

func applyDefaults(c *Config) {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxPacketBytes == 0 {
		c.Server.MaxPacketBytes = DefaultMaxPacketBytes
	}
	if c.Server.SendQueueSize == 0 {
		c.Server.SendQueueSize = DefaultSendQueueSize
	}
	if c.AppName == "" {
		c.AppName = "remote-desk-relay"
	}
}

func ReadConfig() (Config, error) {
	bytes, err := os.ReadFile("config.json")

	if err != nil {
		applyDefaults(&config)
		writer, _ := os.OpenFile("config.json", os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	applyDefaults(&config)
	initialized = true
	return config, nil
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}
