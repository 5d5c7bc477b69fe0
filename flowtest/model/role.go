package model

// Role is the function a side performs for the duration of a session. It is
// resolved once at startup from the mode flags: in normal mode the client
// sends and the server receives, in reverse mode the server sends and the
// client receives. The per-flow state machines are identical either way.
type Role int

const (
	// RoleSender paces data packets and correlates returning ACKs.
	RoleSender = Role(iota)
	// RoleReceiver timestamps inbound data packets and echoes ACKs.
	RoleReceiver
)

// String returns the directory and log label for r.
func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}
