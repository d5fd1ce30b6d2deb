package lobby

import (
	"slices"

	"github.com/lk2023060901/paper-soldier-go/internal/network/session"
	"github.com/lk2023060901/paper-soldier-go/pkg/util/typeutil"
)

// State 为会话在大厅中的业务状态。
type State int64

const (
	StateNone State = iota
	StateInLobby
	StateInPurchasing
	StateStartingMatchMaking
	StateInMatch
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateInLobby:
		return "in_lobby"
	case StateInPurchasing:
		return "in_purchasing"
	case StateStartingMatchMaking:
		return "starting_match_making"
	case StateInMatch:
		return "in_match"
	default:
		return "unknown"
	}
}

const (
	keyAccountID       = "id"
	keySignIn          = "sign_in"
	keyCharacterIndice = "character_indice"
	keyState           = "state"
)

func SetAccountID(sess session.Session, id string) {
	sess.Values().Set(keyAccountID, id)
}

// AccountID 返回会话绑定的账号，未登录时为空字符串。
func AccountID(sess session.Session) string {
	v, _ := sess.Values().Get(keyAccountID)
	id, _ := v.(string)
	return id
}

func SetAuthorized(sess session.Session, signedIn bool) {
	sess.Values().Set(keySignIn, signedIn)
}

func IsAuthorized(sess session.Session) bool {
	v, _ := sess.Values().Get(keySignIn)
	ok, _ := v.(bool)
	return ok
}

// SetCharacterIndices 覆盖会话拥有的角色下标。
func SetCharacterIndices(sess session.Session, indices ...int64) {
	sess.Values().Set(keyCharacterIndice, typeutil.NewSet(indices...))
}

// CharacterIndices 返回会话拥有的角色下标，升序排列。
func CharacterIndices(sess session.Session) []int64 {
	v, _ := sess.Values().Get(keyCharacterIndice)
	set, _ := v.(typeutil.Set[int64])
	indices := set.Collect()
	slices.Sort(indices)
	return indices
}

func HasCharacter(sess session.Session, index int64) bool {
	v, _ := sess.Values().Get(keyCharacterIndice)
	set, ok := v.(typeutil.Set[int64])
	return ok && set.Contain(index)
}

func SetState(sess session.Session, state State) {
	sess.Values().Set(keyState, state)
}

// GetState 返回会话的业务状态，未设置时为 StateNone。
func GetState(sess session.Session) State {
	v, _ := sess.Values().Get(keyState)
	state, _ := v.(State)
	return state
}
