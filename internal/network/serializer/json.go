package serializer

import (
	"github.com/lk2023060901/paper-soldier-go/internal/json"
)

// JSONSerializer 基于 internal/json（bytedance/sonic）编解码，是 codec 的默认实现。
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
