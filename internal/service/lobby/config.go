package lobby

import (
	"time"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Config 对应配置文件中的 lobby 段。
//
// Example:
//
//	lobby:
//	  heartbeat-interval: 10s
//	  characters: [knight, archer, mage]
//	  default-characters: [0]
type Config struct {
	// HeartbeatInterval 为心跳广播间隔，0 表示不广播。
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	// Characters 为可选角色列表，下标即角色编号。
	Characters []string `mapstructure:"characters"`
	// DefaultCharacters 为新登录账号默认拥有的角色编号。
	DefaultCharacters []int64 `mapstructure:"default-characters"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 10 * time.Second,
		Characters:        []string{"knight", "archer", "mage"},
		DefaultCharacters: []int64{0},
	}
}

// Validate 校验配置。
func (c Config) Validate() error {
	if c.HeartbeatInterval < 0 {
		return merr.WrapErrParameterInvalidMsg("lobby: negative heartbeat interval %s", c.HeartbeatInterval)
	}
	for _, idx := range c.DefaultCharacters {
		if !c.IsAllowedCharacter(idx) {
			return merr.WrapErrParameterInvalidMsg("lobby: default character %d out of range [0,%d)", idx, len(c.Characters))
		}
	}
	return nil
}

// IsAllowedCharacter 判断角色编号是否存在。
func (c Config) IsAllowedCharacter(index int64) bool {
	return index >= 0 && index < int64(len(c.Characters))
}
