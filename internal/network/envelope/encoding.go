package envelope

import (
	"strings"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Encoding 标识消息负载的编码方式，决定由哪一种 Handler 签名处理。
type Encoding int32

const (
	EncodingUnknown Encoding = iota
	// EncodingDocument 为无模式的结构化文档（任意嵌套的键值对）。
	EncodingDocument
	// EncodingBinary 为带模式的二进制扩展值，通过扩展键标识具体类型。
	EncodingBinary
)

func (e Encoding) String() string {
	switch e {
	case EncodingDocument:
		return "document"
	case EncodingBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Valid 判断是否为可用于注册与分发的编码。
func (e Encoding) Valid() bool {
	return e == EncodingDocument || e == EncodingBinary
}

// ParseEncoding 将字符串解析为 Encoding，大小写不敏感。
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "document":
		return EncodingDocument, nil
	case "binary":
		return EncodingBinary, nil
	default:
		return EncodingUnknown, merr.WrapErrParameterInvalid("document|binary", s, "unknown encoding")
	}
}
