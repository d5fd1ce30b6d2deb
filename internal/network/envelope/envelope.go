// Package envelope 定义消息信封及其两种可互换的负载表示。
//
// Envelope 构造后不可变：构造函数与访问器都会复制负载，
// 回复消息总是新构造的 Envelope，而不是修改收到的那一条。
package envelope

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/paper-soldier-go/pkg/util/merr"
)

// Envelope 表示一条已解码的入站或出站消息。
type Envelope struct {
	typeName string
	payload  Payload
}

// New 以给定负载构造 Envelope，payload 为 nil 时视为空文档。
func New(typeName string, payload Payload) Envelope {
	if payload == nil {
		payload = Document{}
	}
	return Envelope{typeName: typeName, payload: payload.clone()}
}

// NewDocument 构造结构化文档消息。
func NewDocument(typeName string, doc Document) Envelope {
	return New(typeName, doc)
}

// NewBinary 构造二进制扩展消息。
func NewBinary(typeName string, extensionKey string, data []byte) Envelope {
	return New(typeName, Binary{ExtensionKey: extensionKey, Bytes: data})
}

// NewMessage 将 protobuf 消息编码为二进制扩展消息，扩展键取消息完整名称。
func NewMessage(typeName string, msg proto.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, merr.WrapErrParameterMissing("msg")
	}
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return Envelope{}, merr.WrapErrMalformedPayload(typeName, err.Error())
	}
	return Envelope{
		typeName: typeName,
		payload:  Binary{ExtensionKey: ExtensionKeyOf(msg), Bytes: data},
	}, nil
}

// TypeName 返回消息类型名，大小写敏感。
func (e Envelope) TypeName() string { return e.typeName }

// Encoding 返回负载编码，零值 Envelope 返回 EncodingUnknown。
func (e Envelope) Encoding() Encoding {
	if e.payload == nil {
		return EncodingUnknown
	}
	return e.payload.Encoding()
}

// Payload 返回负载的副本。
func (e Envelope) Payload() Payload {
	if e.payload == nil {
		return nil
	}
	return e.payload.clone()
}

// Document 在负载为文档时返回其副本。
func (e Envelope) Document() (Document, bool) {
	doc, ok := e.payload.(Document)
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// Binary 在负载为二进制扩展时返回其副本。
func (e Envelope) Binary() (Binary, bool) {
	bin, ok := e.payload.(Binary)
	if !ok {
		return Binary{}, false
	}
	return bin.clone().(Binary), true
}

// Resolve 将二进制负载解析到 msg，负载不是二进制时返回 ErrEncodingMismatch。
func (e Envelope) Resolve(msg proto.Message) error {
	bin, ok := e.payload.(Binary)
	if !ok {
		return merr.WrapErrEncodingMismatch(e.typeName, EncodingBinary, e.Encoding())
	}
	return ResolveBinary(bin, msg)
}

func (e Envelope) String() string {
	switch p := e.payload.(type) {
	case Binary:
		return fmt.Sprintf("%s(%s %s, %d bytes)", e.typeName, e.Encoding(), p.ExtensionKey, len(p.Bytes))
	case Document:
		return fmt.Sprintf("%s(%s, %d keys)", e.typeName, e.Encoding(), len(p))
	default:
		return fmt.Sprintf("%s(%s)", e.typeName, e.Encoding())
	}
}
