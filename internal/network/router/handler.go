package router

import (
	"google.golang.org/protobuf/proto"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
)

// HandleDocument 注册一个结构化文档 Handler。
func HandleDocument(r Router, typeName string, h DocumentHandler) (bool, error) {
	return r.Register(typeName, Route{
		Encoding: envelope.EncodingDocument,
		Document: h,
	})
}

// HandleMessage 注册一个二进制扩展 Handler，请求类型由 T 决定。
//
// T 必须是生成的 protobuf 消息指针类型，例如 *wrapperspb.Int64Value。
func HandleMessage[T proto.Message](r Router, typeName string, h func(sess session.Session, msg T) error) (bool, error) {
	route := Route{Encoding: envelope.EncodingBinary}
	if h != nil {
		var zero T
		msgType := zero.ProtoReflect().Type()
		route.NewMessage = func() proto.Message { return msgType.New().Interface() }
		route.Binary = func(sess session.Session, msg proto.Message) error {
			return h(sess, msg.(T))
		}
	}
	return r.Register(typeName, route)
}
