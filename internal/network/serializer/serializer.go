package serializer

// Serializer 抽象了“对象 <-> 字节”的序列化能力。
//
// codec 通过它编解码 JSON 帧，ProtoSerializer 则用于 Binary 载荷中的 protobuf 消息。
type Serializer interface {
	// Marshal 将对象编码为字节序列。
	Marshal(v any) ([]byte, error)

	// Unmarshal 将字节序列解码到 v，v 通常为指针。
	Unmarshal(data []byte, v any) error
}
