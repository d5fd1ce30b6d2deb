package server

import (
	"math"
	"sort"
	"strconv"

	"github.com/samber/lo"
)

// Arguments 为启动配置提供的具名参数与运行时开关。
//
// 取值由配置层解析完成后传入，这里只做只读查询，不解释含义。
type Arguments struct {
	values map[string]any
	flags  map[string]bool
}

// NewArguments 以给定的参数与开关创建 Arguments，会复制传入的 map。
func NewArguments(values map[string]any, flags map[string]bool) *Arguments {
	return &Arguments{
		values: lo.Assign(map[string]any{}, values),
		flags:  lo.Assign(map[string]bool{}, flags),
	}
}

// String 返回字符串参数，数字参数会被格式化为字符串。
func (a *Arguments) String(name string) (string, bool) {
	switch v := a.values[name].(type) {
	case string:
		return v, true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Int 返回整数参数，数字字符串同样接受。
func (a *Arguments) Int(name string) (int64, bool) {
	switch v := a.values[name].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) || v >= 1<<63 || v < -(1<<63) {
			return 0, false
		}
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// StringOr 返回字符串参数，不存在时返回 def。
func (a *Arguments) StringOr(name, def string) string {
	if v, ok := a.String(name); ok {
		return v
	}
	return def
}

// IntOr 返回整数参数，不存在或无法解析时返回 def。
func (a *Arguments) IntOr(name string, def int64) int64 {
	if v, ok := a.Int(name); ok {
		return v
	}
	return def
}

// Flag 返回运行时开关，未配置视为关闭。
func (a *Arguments) Flag(name string) bool {
	return a.flags[name]
}

// Names 返回所有参数名，按字典序排列。
func (a *Arguments) Names() []string {
	names := lo.Keys(a.values)
	sort.Strings(names)
	return names
}
