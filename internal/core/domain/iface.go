package domain

// InterfaceID identifies one virtual interface within the driver.
// IDs are small integers assigned by the InterfaceManager and are never
// reused while the interface is alive.
type InterfaceID uint16

// Role is the 802.11 role a virtual interface plays.
type Role string

const (
	RoleClient Role = "client"
	RoleAP     Role = "ap"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleClient || r == RoleAP
}

// InterfaceInfo is the inspectable snapshot of a virtual interface.
type InterfaceInfo struct {
	ID              InterfaceID `json:"id"`
	Role            Role        `json:"role"`
	MAC             string      `json:"mac"`
	ConnectionState string      `json:"connection_state"`
	ScanInProgress  bool        `json:"scan_in_progress"`
}
