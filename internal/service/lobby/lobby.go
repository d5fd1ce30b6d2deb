// Package lobby 提供大厅服务：登录、角色选择、回显与心跳广播。
package lobby

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/lk2023060901/paper-soldier-go/internal/network/envelope"
	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/internal/server"
	"github.com/lk2023060901/paper-soldier-go/internal/timer"
	"github.com/lk2023060901/paper-soldier-go/pkg/log"
)

const Name = "lobby"

// 消息类型名。
const (
	TypeEcho            = "echo"
	TypeProtoEcho       = "pbuf_echo"
	TypeLogin           = "login"
	TypeSelectCharacter = "select_character"
	TypeHeartbeat       = "heartbeat"
	TypeError           = "error"
)

// ErrorCode 为 error 消息中的错误码。
type ErrorCode int64

const (
	ErrorNone ErrorCode = iota
	ErrorInvalidMessageType
	ErrorInvalidRequireField
)

var handledTypes = []string{TypeEcho, TypeProtoEcho, TypeLogin, TypeSelectCharacter}

// Lobby 实现 server.Component。
type Lobby struct {
	log.Binder

	cfg       Config
	srv       *server.Server
	heartbeat timer.ID
}

var _ server.Component = (*Lobby)(nil)

func New(cfg Config) *Lobby {
	l := &Lobby{cfg: cfg}
	l.SetLogger(log.With(log.FieldComponent(Name)))
	return l
}

func (l *Lobby) Name() string { return Name }

// Install 注册 Handler 与会话回调。
func (l *Lobby) Install(s *server.Server) error {
	if err := l.cfg.Validate(); err != nil {
		return err
	}
	l.srv = s

	if err := s.HandleDocument(TypeEcho, l.handleEcho); err != nil {
		return err
	}
	if err := server.HandleMessage(s, TypeProtoEcho, l.handleProtoEcho); err != nil {
		return err
	}
	if err := s.HandleDocument(TypeLogin, l.handleLogin); err != nil {
		return err
	}
	if err := server.HandleMessage(s, TypeSelectCharacter, l.handleSelectCharacter); err != nil {
		return err
	}
	s.OnSessionOpened(l.onOpened)
	s.OnSessionClosed(l.onClosed)

	args := s.Arguments()
	l.Logger().Info("lobby installed",
		zap.String("example_arg1", args.StringOr("example_arg1", "")),
		zap.Int64("example_arg2", args.IntOr("example_arg2", 0)),
		zap.Bool("example_arg3", args.Flag("example_arg3")),
		zap.Strings("characters", l.cfg.Characters))
	return nil
}

// Start 启动心跳广播。
func (l *Lobby) Start(context.Context) error {
	if l.cfg.HeartbeatInterval <= 0 {
		return nil
	}
	id, err := l.srv.Every(l.cfg.HeartbeatInterval, l.onHeartbeat)
	if err != nil {
		return err
	}
	l.heartbeat = id
	return nil
}

func (l *Lobby) Stop(context.Context) error {
	if l.heartbeat != 0 {
		l.srv.CancelTimer(l.heartbeat)
		l.heartbeat = 0
	}
	return nil
}

// Uninstall 移除本组件注册的 Handler。
func (l *Lobby) Uninstall(s *server.Server) error {
	for _, typeName := range handledTypes {
		s.Router().Unregister(typeName)
	}
	return nil
}

func (l *Lobby) onOpened(sess session.Session) {
	SetState(sess, StateNone)
	l.Logger().Info("session opened", log.FieldSessionID(sess.ID()))
}

func (l *Lobby) onClosed(sess session.Session, reason session.CloseReason) {
	l.Logger().Info("session closed",
		log.FieldSessionID(sess.ID()),
		zap.String("account", AccountID(sess)),
		zap.Stringer("reason", reason))
}

func (l *Lobby) onHeartbeat(_ timer.ID, at time.Time) error {
	n := l.srv.Broadcast(envelope.NewDocument(TypeHeartbeat, envelope.Document{"at": at.UnixMilli()}))
	l.Logger().Debug("heartbeat broadcast", zap.Int("sessions", n))
	return nil
}

func (l *Lobby) handleEcho(sess session.Session, doc envelope.Document) error {
	return sess.Send(envelope.NewDocument(TypeEcho, doc))
}

func (l *Lobby) handleProtoEcho(sess session.Session, msg *wrapperspb.StringValue) error {
	reply, err := envelope.NewMessage(TypeProtoEcho, msg)
	if err != nil {
		return err
	}
	return sess.Send(reply)
}

func (l *Lobby) handleLogin(sess session.Session, doc envelope.Document) error {
	id, ok := doc.String("id")
	if !ok || id == "" {
		return sendError(sess, TypeLogin, ErrorInvalidRequireField)
	}
	SetAccountID(sess, id)
	SetAuthorized(sess, true)
	SetCharacterIndices(sess, l.cfg.DefaultCharacters...)
	SetState(sess, StateInLobby)
	l.Logger().Info("account signed in", log.FieldSessionID(sess.ID()), zap.String("account", id))

	return sess.Send(envelope.NewDocument(TypeLogin, envelope.Document{
		"result":     true,
		"id":         id,
		"characters": lo.ToAnySlice(CharacterIndices(sess)),
	}))
}

func (l *Lobby) handleSelectCharacter(sess session.Session, msg *wrapperspb.Int64Value) error {
	if !IsAuthorized(sess) || GetState(sess) != StateInLobby {
		return sendError(sess, TypeSelectCharacter, ErrorInvalidMessageType)
	}
	index := msg.GetValue()
	if !l.cfg.IsAllowedCharacter(index) || !HasCharacter(sess, index) {
		return sendError(sess, TypeSelectCharacter, ErrorInvalidRequireField)
	}
	return sess.Send(envelope.NewDocument(TypeSelectCharacter, envelope.Document{
		"result": true,
		"index":  index,
		"name":   l.cfg.Characters[index],
	}))
}

// sendError 向会话回复 error 消息，type 为出错的请求类型。
func sendError(sess session.Session, typeName string, code ErrorCode) error {
	return sess.Send(envelope.NewDocument(TypeError, envelope.Document{
		"code": int64(code),
		"type": typeName,
	}))
}
