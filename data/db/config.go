package db

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"datamapper/errors"
)

// EnvPrefix 环境变量覆盖前缀，例如 DATAMAPPER_WRITE_PASSWORD
const EnvPrefix = "DATAMAPPER"

// LoadConfig 从配置文件读取读写分离配置（yaml/toml/json 均可）
//
// 配置文件中的 database 节点对应 Config；环境变量可覆盖单个键。
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database.write.driver", "sqlite")
	v.SetDefault("database.write.max_open_conns", 0)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errors.WrapError(err, errors.ErrCodeInvalidConfig, "db: read config "+path)
	}

	var cfg Config
	if err := v.UnmarshalKey("database", &cfg); err != nil {
		return Config{}, errors.WrapError(err, errors.ErrCodeInvalidConfig, "db: decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 校验配置的必填项
func (c Config) Validate() error {
	if err := c.Write.Validate(); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidConfig, "db: write")
	}
	for i, r := range c.Reads {
		if err := r.Validate(); err != nil {
			return errors.WrapError(err, errors.ErrCodeInvalidConfig, fmt.Sprintf("db: reads[%d]", i))
		}
	}
	return nil
}

// Validate 校验单个连接配置
func (c DBConfig) Validate() error {
	if c.Driver == "" {
		return errors.NewError(errors.ErrCodeInvalidConfig, "driver is required")
	}
	if c.DSN != "" {
		return nil
	}
	switch strings.ToLower(c.Driver) {
	case "sqlite", "sqlite3":
		if c.Database == "" {
			return errors.NewError(errors.ErrCodeInvalidConfig, "database path is required for sqlite")
		}
	default:
		if c.Host == "" || c.Database == "" {
			return errors.NewErrorf(errors.ErrCodeInvalidConfig, "host and database are required for %s", c.Driver)
		}
	}
	return nil
}
