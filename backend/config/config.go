package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig collab_server 的配置，对应 collabConfig.yaml
type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Storage struct {
		// gorm | postgres | sqlite3 | mongo | memory
		Driver string `mapstructure:"driver"`
	} `mapstructure:"Storage"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Postgres struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Postgres"`
	Sqlite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Sqlite"`
	Mongo struct {
		URI      string `mapstructure:"uri"`
		Database string `mapstructure:"database"`
	} `mapstructure:"Mongo"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Sync struct {
		PushTimeout time.Duration `mapstructure:"pushTimeout"`
		MaxInFlight int           `mapstructure:"maxInFlight"`
	} `mapstructure:"Sync"`
}

// ClientConfig collab_client 的配置，对应 clientConfig.yaml
type ClientConfig struct {
	Running struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"Running"`
	Server struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Server"`
	User struct {
		ID    string `mapstructure:"id"`
		Token string `mapstructure:"token"`
	} `mapstructure:"User"`
	Storage struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"Storage"`
	Sync struct {
		Interval   time.Duration `mapstructure:"interval"`
		FlushDelay time.Duration `mapstructure:"flushDelay"`
	} `mapstructure:"Sync"`
	History struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"History"`
}

func LoadServer(paths ...string) (*ServerConfig, error) {
	v := newViper("collabConfig", paths)
	v.SetDefault("Running.Port", 8083)
	v.SetDefault("Storage.driver", "gorm")
	v.SetDefault("Sqlite.path", "collab.db")
	v.SetDefault("Mongo.database", "collab")
	v.SetDefault("Kafka.topic", "collab.revisions")
	v.SetDefault("Sync.pushTimeout", 5*time.Second)
	v.SetDefault("Sync.maxInFlight", 64)
	// 没有默认值的键也要登记，AutomaticEnv 才能在 Unmarshal 时覆盖
	for _, key := range []string{"Mysql.dsn", "Postgres.dsn", "Mongo.uri", "Redis.password", "Auth.secret"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("Redis.addrs", []string{})
	v.SetDefault("Kafka.brokers", []string{})

	cfg := &ServerConfig{}
	if err := load(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient(paths ...string) (*ClientConfig, error) {
	v := newViper("clientConfig", paths)
	v.SetDefault("Running.addr", "127.0.0.1:8090")
	v.SetDefault("Server.url", "ws://127.0.0.1:8083")
	v.SetDefault("Storage.path", "collab_client.db")
	v.SetDefault("Sync.interval", time.Second)
	v.SetDefault("Sync.flushDelay", 600*time.Millisecond)
	v.SetDefault("History.window", 400*time.Millisecond)
	v.SetDefault("User.id", "")
	v.SetDefault("User.token", "")

	cfg := &ClientConfig{}
	if err := load(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper 兼容从项目根目录或 backend 目录启动；环境变量 COLLAB_KAFKA_TOPIC 覆盖 Kafka.topic
func newViper(name string, paths []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, out any) error {
	// .env 可选
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
	}
	return v.Unmarshal(out)
}
