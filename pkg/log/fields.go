package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameSessionID = "sessionID"
	FieldNameTypeName  = "typeName"
	FieldNameTimerID   = "timerID"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldSessionID 返回一个包含会话 ID 的 zap 字段。
func FieldSessionID(id uint64) zap.Field {
	return zap.Uint64(FieldNameSessionID, id)
}

// FieldTypeName 返回一个包含消息类型名的 zap 字段。
func FieldTypeName(typeName string) zap.Field {
	return zap.String(FieldNameTypeName, typeName)
}

// FieldTimerID 返回一个包含定时器 ID 的 zap 字段。
func FieldTimerID(id uint64) zap.Field {
	return zap.Uint64(FieldNameTimerID, id)
}
