package envelope

import (
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Payload 是消息负载的和类型，只有 Document 与 Binary 两种实现。
type Payload interface {
	Encoding() Encoding
	clone() Payload
}

var (
	_ Payload = Document(nil)
	_ Payload = Binary{}
)

// Document 为结构化文档负载。
//
// 值通常来自 JSON 解码：string、float64、bool、nil、map[string]any、[]any。
type Document map[string]any

func (Document) Encoding() Encoding { return EncodingDocument }

func (d Document) clone() Payload { return d.Clone() }

// Clone 深拷贝文档中的 map[string]any 与 []any，其余值按值复制。
func (d Document) Clone() Document {
	if d == nil {
		return Document{}
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case Document:
		return vv.Clone()
	case map[string]any:
		return map[string]any(Document(vv).Clone())
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = cloneValue(vv[i])
		}
		return out
	case []byte:
		return append([]byte(nil), vv...)
	default:
		return v
	}
}

// Get 返回 key 对应的值。
func (d Document) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

// String 返回 key 对应的字符串值，不存在或类型不符时 ok 为 false。
func (d Document) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Int 返回 key 对应的整数值。
//
// JSON 数字解码后为 float64，只有不带小数部分的值才视为整数；数字字符串同样接受。
func (d Document) Int(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
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

// Binary 为带模式的二进制扩展负载。
//
// ExtensionKey 为 protobuf 消息的完整名称（如 google.protobuf.Int64Value），
// 也接受 type.googleapis.com/ 形式的类型 URL。
type Binary struct {
	ExtensionKey string
	Bytes        []byte
}

func (Binary) Encoding() Encoding { return EncodingBinary }

func (b Binary) clone() Payload {
	return Binary{ExtensionKey: b.ExtensionKey, Bytes: append([]byte(nil), b.Bytes...)}
}

// MessageName 返回去掉类型 URL 前缀后的消息完整名称。
func (b Binary) MessageName() string {
	if i := strings.LastIndexByte(b.ExtensionKey, '/'); i >= 0 {
		return b.ExtensionKey[i+1:]
	}
	return b.ExtensionKey
}

// ResolveBinary 将二进制负载解析到 msg。
//
// 扩展键必须与 msg 的消息完整名称一致，否则返回 ErrMalformedPayload，msg 保持不变。
func ResolveBinary(bin Binary, msg proto.Message) error {
	if msg == nil {
		return merr.WrapErrParameterMissing("msg")
	}
	want := string(msg.ProtoReflect().Descriptor().FullName())
	if bin.ExtensionKey == "" {
		return merr.WrapErrMalformedPayload(want, "missing extension key")
	}
	if got := bin.MessageName(); got != want {
		return merr.WrapErrMalformedPayload(want, "extension key mismatch, got "+got)
	}
	if err := proto.Unmarshal(bin.Bytes, msg); err != nil {
		return merr.WrapErrMalformedPayload(want, err.Error())
	}
	return nil
}

// ExtensionKeyOf 返回 msg 对应的扩展键。
func ExtensionKeyOf(msg proto.Message) string {
	return string(msg.ProtoReflect().Descriptor().FullName())
}
