// Package ids defines the opaque identifier types that address conversations,
// subscriptions, and in-flight requests throughout the server.
package ids

import "github.com/google/uuid"

// ConversationId identifies a conversation for the lifetime of its hub.
type ConversationId string

// NewConversationId generates a fresh 128-bit opaque conversation identifier.
func NewConversationId() ConversationId {
	return ConversationId(uuid.NewString())
}

// SubscriptionId identifies one listener registered on a hub.
type SubscriptionId string

// NewSubscriptionId generates a fresh subscription identifier.
func NewSubscriptionId() SubscriptionId {
	return SubscriptionId(uuid.NewString())
}

// CallId is the server-generated identifier embedded in approval and
// tool-call request events. It is globally unique per conversation and is
// distinct from RequestId: it correlates an event with its eventual decision.
type CallId string

// NewCallId generates a fresh call identifier.
func NewCallId() CallId {
	return CallId(uuid.NewString())
}

// RequestId is the client- or server-chosen JSON-RPC request identifier.
// It is only unique within a single transport connection.
type RequestId struct {
	// Str holds the identifier when the client used a string id.
	Str string
	// Num holds the identifier when the client used an integer id.
	Num int64
	// IsString distinguishes the two representations; JSON-RPC ids must
	// round-trip as the same type the caller used.
	IsString bool
}

// NewServerRequestId allocates a RequestId for a server-initiated
// (reverse) request. These are always string ids so they never collide
// with a client's own integer id space.
func NewServerRequestId() RequestId {
	return RequestId{Str: "srv-" + uuid.NewString(), IsString: true}
}

func (r RequestId) String() string {
	if r.IsString {
		return r.Str
	}
	return intToString(r.Num)
}

func intToString(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
