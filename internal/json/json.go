// Package json 统一项目内的 JSON 编解码入口，底层基于 bytedance/sonic。
package json

import (
	"github.com/bytedance/sonic"
)

// api 与标准库行为保持一致：map 键排序、转义 HTML，便于在测试中比较输出。
var api = sonic.ConfigStd

// Marshal 将 v 编码为 JSON。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent 将 v 编码为带缩进的 JSON。
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal 将 JSON 解码到 v。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// Valid 判断 data 是否为合法的 JSON。
func Valid(data []byte) bool {
	return api.Valid(data)
}
