// Package codec 负责 Envelope 与线上帧字节之间的转换。
//
// 帧格式为 JSON 对象：
//
//	{"type": "echo", "encoding": "document", "document": {...}}
//	{"type": "select_character", "encoding": "binary", "ext": "google.protobuf.Int64Value", "bytes": "<base64>"}
//
// 字节级分帧由传输层负责（WebSocket 每条消息即一帧），这里只处理单帧内容。
package codec

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/serializer"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// DefaultMaxFrameSize 为单帧允许的最大字节数。
const DefaultMaxFrameSize = 1 << 20

// ErrFrameTooLarge 表示帧长度超过上限。
var ErrFrameTooLarge = errors.New("codec: frame too large")

// Codec 抽象了“Envelope <-> 帧字节”的编解码流程。
type Codec interface {
	// Marshal 将 Envelope 编码为一帧字节。
	Marshal(env envelope.Envelope) ([]byte, error)

	// Unmarshal 将一帧字节解码为 Envelope。
	Unmarshal(data []byte) (envelope.Envelope, error)

	// Encode 将 Envelope 编码并写入 w。
	Encode(w io.Writer, env envelope.Envelope) error

	// Decode 从 r 读取完整的一帧并解码。r 应在帧结束处返回 io.EOF。
	Decode(r io.Reader) (envelope.Envelope, error)
}

// Options 用于构造 Codec 的依赖注入参数。
type Options struct {
	// Serializer 为 nil 时使用 JSONSerializer。
	Serializer serializer.Serializer
	// MaxFrameSize 小于等于 0 时使用 DefaultMaxFrameSize。
	MaxFrameSize int
}

type frame struct {
	Type     string         `json:"type"`
	Encoding string         `json:"encoding"`
	Document map[string]any `json:"document,omitempty"`
	Ext      string         `json:"ext,omitempty"`
	Bytes    []byte         `json:"bytes,omitempty"`
}

type codec struct {
	serializer   serializer.Serializer
	maxFrameSize int
}

var _ Codec = (*codec)(nil)

// New 创建一个基于给定依赖的 Codec。
func New(opts Options) Codec {
	c := &codec{
		serializer:   opts.Serializer,
		maxFrameSize: opts.MaxFrameSize,
	}
	if c.serializer == nil {
		c.serializer = serializer.JSONSerializer{}
	}
	if c.maxFrameSize <= 0 {
		c.maxFrameSize = DefaultMaxFrameSize
	}
	return c
}

// Marshal 实现 Codec.Marshal。
func (c *codec) Marshal(env envelope.Envelope) ([]byte, error) {
	if env.TypeName() == "" {
		return nil, merr.WrapErrParameterMissing("type")
	}

	f := frame{Type: env.TypeName(), Encoding: env.Encoding().String()}
	switch p := env.Payload().(type) {
	case envelope.Document:
		f.Document = p
	case envelope.Binary:
		f.Ext = p.ExtensionKey
		f.Bytes = p.Bytes
	default:
		return nil, merr.WrapErrMalformedPayload(env.TypeName(), "empty payload")
	}

	data, err := c.serializer.Marshal(&f)
	if err != nil {
		return nil, errors.Wrap(err, "codec: marshal failed")
	}
	if len(data) > c.maxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "size=%d max=%d", len(data), c.maxFrameSize)
	}
	return data, nil
}

// Unmarshal 实现 Codec.Unmarshal。
func (c *codec) Unmarshal(data []byte) (envelope.Envelope, error) {
	if len(data) > c.maxFrameSize {
		return envelope.Envelope{}, errors.Wrapf(ErrFrameTooLarge, "size=%d max=%d", len(data), c.maxFrameSize)
	}

	var f frame
	if err := c.serializer.Unmarshal(data, &f); err != nil {
		return envelope.Envelope{}, merr.WrapErrMalformedPayload("", err.Error(), "codec: unmarshal failed")
	}
	if f.Type == "" {
		return envelope.Envelope{}, merr.WrapErrParameterMissing("type")
	}

	enc, err := envelope.ParseEncoding(f.Encoding)
	if err != nil {
		return envelope.Envelope{}, err
	}

	switch enc {
	case envelope.EncodingBinary:
		if f.Document != nil {
			return envelope.Envelope{}, merr.WrapErrMalformedPayload(f.Type, "binary frame carries a document")
		}
		return envelope.NewBinary(f.Type, f.Ext, f.Bytes), nil
	default:
		if f.Ext != "" || len(f.Bytes) > 0 {
			return envelope.Envelope{}, merr.WrapErrMalformedPayload(f.Type, "document frame carries binary data")
		}
		return envelope.NewDocument(f.Type, f.Document), nil
	}
}

// Encode 实现 Codec.Encode。
func (c *codec) Encode(w io.Writer, env envelope.Envelope) error {
	if w == nil {
		return merr.WrapErrParameterMissing("writer")
	}
	data, err := c.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "codec: write frame failed")
	}
	return nil
}

// Decode 实现 Codec.Decode。
func (c *codec) Decode(r io.Reader) (envelope.Envelope, error) {
	if r == nil {
		return envelope.Envelope{}, merr.WrapErrParameterMissing("reader")
	}
	// 多读一个字节用于判断是否超限。
	data, err := io.ReadAll(io.LimitReader(r, int64(c.maxFrameSize)+1))
	if err != nil {
		return envelope.Envelope{}, errors.Wrap(err, "codec: read frame failed")
	}
	return c.Unmarshal(data)
}
