package configs

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config 定义整个应用的配置结构
type Config struct {
	Nats    NatsConfig    `mapstructure:"nats"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Relay   RelayConfig   `mapstructure:"relay"`
}

// NatsConfig 定义 NATS 连接信息
type NatsConfig struct {
	URL string `mapstructure:"url"`
}

// MetricsConfig 指标暴露端口
type MetricsConfig struct {
	HttpPort int `mapstructure:"http_port"`
}

// LLMConfig OpenAI 兼容服务端配置
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	SystemPrompt   string `mapstructure:"system_prompt"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RelayConfig 中继的全局行为，单个房间可覆盖部分字段
type RelayConfig struct {
	ContextWindowSize   int            `mapstructure:"context_window_size"`
	ThrottleMs          int            `mapstructure:"throttle_ms"`
	GiftMinValue        float64        `mapstructure:"gift_min_value"` // 元
	AllowTypes          []string       `mapstructure:"allow_types"`
	Drop                DropConfig     `mapstructure:"drop"`
	Mode                string         `mapstructure:"mode"`
	ForwardDestinations []string       `mapstructure:"forward_destinations"`
	Callback            CallbackConfig `mapstructure:"callback"`
	Rooms               []RoomConfig   `mapstructure:"rooms"`
}

// DropConfig 按事件类型的随机丢弃
type DropConfig struct {
	Enable bool               `mapstructure:"enable"`
	Rates  map[string]float64 `mapstructure:"rates"`
}

// CallbackConfig llm_callback 模式的回调端点
type CallbackConfig struct {
	URL    string `mapstructure:"url"`
	Method string `mapstructure:"method"`
}

// RoomConfig 单个直播间的接入方式
type RoomConfig struct {
	RoomID         int64          `mapstructure:"room_id" json:"room_id"`
	ConnectionKind string         `mapstructure:"connection_kind" json:"connection_kind"` // web | open_platform
	Cookie         string         `mapstructure:"cookie" json:"cookie"`
	OpenLive       OpenLiveConfig `mapstructure:"open_live" json:"open_live"`
	// 留空时沿用全局 mode
	Mode string `mapstructure:"mode" json:"mode"`
}

// OpenLiveConfig 开放平台凭据
type OpenLiveConfig struct {
	AccessKeyID       string `mapstructure:"access_key_id" json:"access_key_id"`
	AccessKeySecret   string `mapstructure:"access_key_secret" json:"access_key_secret"`
	AppID             int64  `mapstructure:"app_id" json:"app_id"`
	RoomOwnerAuthCode string `mapstructure:"room_owner_auth_code" json:"room_owner_auth_code"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 设置默认值
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("metrics.http_port", 9091)
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.timeout_seconds", 30)
	viper.SetDefault("relay.context_window_size", 15)
	viper.SetDefault("relay.throttle_ms", 800)
	viper.SetDefault("relay.gift_min_value", 5)
	viper.SetDefault("relay.allow_types", []string{"danmaku", "gift", "super_chat", "like", "enter_room", "guard_buy"})
	viper.SetDefault("relay.drop.enable", false)
	viper.SetDefault("relay.mode", "forward_only")
	viper.SetDefault("relay.callback.method", "POST")

	err = viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("读取配置文件出错: %s\n", err)
			return
		}
		log.Println("未找到配置文件，将依赖环境变量和默认值。")
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		log.Printf("无法将配置解码到结构体中: %v\n", err)
	}
	return
}
