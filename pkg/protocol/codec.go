package protocol

import (
	"errors"
	"strings"
)

// Field widths in characters. Every field is transmitted at exactly its
// width; variable-length values are padded (see Pack) or truncated.
const (
	UserIDLen    = 32
	UserNameLen  = 32
	PasswordLen  = 128
	SessionIDLen = 32
	ChatIDLen    = 8
	MessageIDLen = 32

	// PacketSize is the maximum size of a single transmitted line.
	PacketSize = 1024

	// HeaderSize is the shared prefix replicated onto every fragment of a
	// multi-packet message: opcode (2) + UserID (32) + SessionID (32) +
	// ChatID (8).
	HeaderSize = 74

	// Filler pads variable-length field values up to their fixed width.
	// Values must never contain it; input validation upstream enforces that.
	Filler = '*'
)

var (
	ErrMalformed     = errors.New("line too short for continuation flag and opcode")
	ErrUnknownOpcode = errors.New("unknown opcode")
	ErrTruncated     = errors.New("line truncated inside a fixed-width field")
)

// FieldKind identifies one fixed-width field of the wire format. The bit
// values double as the opcode mask bits, and ascending bit order is the
// canonical field order on the wire.
type FieldKind int

const (
	FieldUserID    FieldKind = 1 << iota // 1
	FieldUserName                        // 2
	FieldPassword                        // 4
	FieldSessionID                       // 8
	FieldChatID                          // 16
	FieldMessageID                       // 32
)

// fieldOrder is the canonical on-wire order of fields.
var fieldOrder = []FieldKind{
	FieldUserID, FieldUserName, FieldPassword,
	FieldSessionID, FieldChatID, FieldMessageID,
}

func (k FieldKind) String() string {
	switch k {
	case FieldUserID:
		return "UserID"
	case FieldUserName:
		return "UserName"
	case FieldPassword:
		return "Password"
	case FieldSessionID:
		return "SessionID"
	case FieldChatID:
		return "ChatID"
	case FieldMessageID:
		return "MessageID"
	}
	return "Unknown"
}

// Width returns the encoded width of the field in characters.
func (k FieldKind) Width() int {
	switch k {
	case FieldUserID:
		return UserIDLen
	case FieldUserName:
		return UserNameLen
	case FieldPassword:
		return PasswordLen
	case FieldSessionID:
		return SessionIDLen
	case FieldChatID:
		return ChatIDLen
	case FieldMessageID:
		return MessageIDLen
	}
	return 0
}

// packed reports whether the field is padded with Filler and therefore
// unpacked on parse. SessionID and ChatID travel as raw fixed-width slices.
func (k FieldKind) packed() bool {
	switch k {
	case FieldSessionID, FieldChatID:
		return false
	}
	return true
}

// Inbound opcodes.
const (
	OpRegister           = "IR"
	OpLogin              = "LR"
	OpLogout             = "LO"
	OpPullFriends        = "PF"
	OpAddFriend          = "AF"
	OpRemoveFriend       = "RF"
	OpPullFriendRequests = "PR"
	OpUserSearch         = "US"
	OpPullChats          = "PC"
	OpUserChats          = "UC"
	OpCreateChat         = "CC"
	OpChatOpen           = "CO"
	OpModifyPermissions  = "PM"
	OpSendMessage        = "SM"
	OpEditMessage        = "EM"
	OpDeleteMessage      = "DM"
	OpHeartbeat          = "HB"
	OpError              = "ER"
)

// Outbound opcodes.
const (
	OpRegisterFailed  = "RU"
	OpRegisterOK      = "RS"
	OpLoginFailed     = "LU"
	OpLoginOK         = "LS"
	OpFriendPush      = "FP"
	OpSearchResults   = "UR"
	OpChatPush        = "CP"
	OpRequestPush     = "FR"
	OpAdminMessage    = "AM"
	OpMessagePush     = "MP"
	OpChatNotify      = "CN"
)

// opcodeSpecs maps each opcode to the bitmask of fields present, in
// canonical order. The table covers both directions: it defines the parse
// layout for inbound lines and the serialize layout for outbound ones.
var opcodeSpecs = map[string]FieldKind{
	// Inbound
	OpRegister:           FieldUserName | FieldPassword,
	OpLogin:              FieldUserName | FieldPassword,
	OpLogout:             FieldUserID | FieldSessionID,
	OpPullFriends:        FieldUserID | FieldSessionID,
	OpAddFriend:          FieldUserID | FieldUserName | FieldSessionID,
	OpRemoveFriend:       FieldUserID | FieldUserName | FieldSessionID,
	OpPullFriendRequests: FieldUserID | FieldSessionID,
	OpUserSearch:         FieldUserID | FieldUserName | FieldSessionID,
	OpPullChats:          FieldUserID | FieldSessionID,
	OpUserChats:          FieldUserID | FieldSessionID,
	OpCreateChat:         FieldUserID | FieldUserName | FieldSessionID,
	OpChatOpen:           FieldUserID | FieldSessionID | FieldChatID,
	OpModifyPermissions:  FieldUserID | FieldSessionID | FieldChatID,
	OpSendMessage:        FieldUserID | FieldUserName | FieldSessionID | FieldChatID,
	OpEditMessage:        FieldUserID | FieldSessionID | FieldMessageID,
	OpDeleteMessage:      FieldUserID | FieldSessionID | FieldMessageID,
	OpHeartbeat:          0,
	OpError:              FieldUserID | FieldSessionID,

	// Outbound
	OpRegisterFailed: 0,
	OpRegisterOK:     0,
	OpLoginFailed:    0,
	OpLoginOK:        FieldUserID | FieldUserName | FieldSessionID,
	OpFriendPush:     FieldUserID | FieldSessionID,
	OpSearchResults:  FieldUserID | FieldSessionID,
	OpChatPush:       FieldUserID | FieldSessionID,
	OpRequestPush:    FieldUserID | FieldSessionID,
	OpAdminMessage:   FieldUserID | FieldSessionID,
	OpMessagePush:    FieldUserID | FieldSessionID | FieldChatID,
	OpChatNotify:     FieldUserID | FieldSessionID | FieldChatID,
}

// OpcodeMask returns the field mask for an opcode, or false for an opcode
// the protocol does not know.
func OpcodeMask(opcode string) (FieldKind, bool) {
	mask, ok := opcodeSpecs[opcode]
	return mask, ok
}

// Envelope is one decoded protocol message. Immutable once parsed.
type Envelope struct {
	// Continuation is true when the line is a fragment of a larger logical
	// message with more fragments to follow.
	Continuation bool
	Opcode       string
	Fields       map[FieldKind]string
	Payload      string
}

// Field returns the value of a parsed field, or "" when absent.
func (e *Envelope) Field(k FieldKind) string {
	return e.Fields[k]
}

// Parse decodes a single wire line into an Envelope.
//
// Layout: [0] = continuation flag ('T'/'F'), [1:3] = opcode, then the
// fields selected by the opcode's mask in canonical order, each at its
// fixed width, then free-form payload.
func Parse(line string) (*Envelope, error) {
	if len(line) < 3 {
		return nil, ErrMalformed
	}

	env := &Envelope{
		Continuation: line[0] == 'T',
		Opcode:       line[1:3],
		Fields:       make(map[FieldKind]string),
	}

	mask, ok := opcodeSpecs[env.Opcode]
	if !ok {
		return nil, ErrUnknownOpcode
	}

	rest := line[3:]
	for _, kind := range fieldOrder {
		if mask&kind == 0 {
			continue
		}
		width := kind.Width()
		if len(rest) < width {
			return nil, ErrTruncated
		}
		raw := rest[:width]
		rest = rest[width:]
		if kind.packed() {
			env.Fields[kind] = Unpack(raw)
		} else {
			env.Fields[kind] = raw
		}
	}

	env.Payload = rest
	return env, nil
}

// Pack fits value into exactly width characters: longer values are
// truncated, shorter ones right-padded with Filler. The value must not
// contain Filler itself; the codec does not escape it.
func Pack(value string, width int) string {
	if len(value) > width {
		return value[:width]
	}
	if len(value) == width {
		return value
	}
	var b strings.Builder
	b.Grow(width)
	b.WriteString(value)
	for i := len(value); i < width; i++ {
		b.WriteByte(Filler)
	}
	return b.String()
}

// Unpack returns the prefix of a padded field up to the first Filler.
func Unpack(padded string) string {
	if i := strings.IndexByte(padded, Filler); i >= 0 {
		return padded[:i]
	}
	return padded
}

// ValidValue reports whether a value is safe to pack: it must not contain
// the filler character (which would corrupt unpacking) nor a line break
// (which would split the transmission).
func ValidValue(value string) bool {
	return !strings.ContainsAny(value, string(Filler)+"\r\n")
}
