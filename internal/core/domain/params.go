package domain

import "encoding/json"

// Command payload shapes exchanged with firmware. The bus treats payloads as
// opaque bytes; these are the logical shapes both ends agree on.

// JoinParams selects the target BSS for CmdJoin. An empty BSSID asks firmware
// to pick by SSID, which may require an internal scan.
type JoinParams struct {
	SSID    string `json:"ssid"`
	BSSID   string `json:"bssid,omitempty"`
	Channel int    `json:"channel,omitempty"`
}

// AuthParams configures the authentication exchange for CmdAuthenticate.
type AuthParams struct {
	BSSID string        `json:"bssid"`
	Alg   AuthAlgorithm `json:"alg"`
}

// AssocParams configures the association exchange for CmdAssociate. PMK is
// opaque key material forwarded to firmware.
type AssocParams struct {
	BSSID string `json:"bssid"`
	PMK   []byte `json:"pmk,omitempty"`
	IEs   []byte `json:"ies,omitempty"`
}

// LeaveParams names the peer for CmdDisassociate / CmdDeauthenticate.
type LeaveParams struct {
	BSSID  string     `json:"bssid"`
	Reason ReasonCode `json:"reason"`
}

// IfaceParams names the interface for CmdCreateIface / CmdDestroyIface.
type IfaceParams struct {
	ID   InterfaceID `json:"id"`
	Role Role        `json:"role"`
	MAC  string      `json:"mac"`
}

// ScanParams configures CmdScanStart.
type ScanParams struct {
	Txn      string   `json:"txn"`
	SSIDs    []string `json:"ssids,omitempty"`
	Channels []int    `json:"channels,omitempty"`
	Passive  bool     `json:"passive"`
	DwellMs  int      `json:"dwell_ms,omitempty"`
}

// SignalInfo is the CmdGetSignal response payload.
type SignalInfo struct {
	RSSI int `json:"rssi"`
	SNR  int `json:"snr"`
}

// Marshal encodes a payload shape for the bus. Encoding these fixed shapes
// cannot fail, so errors are swallowed by design.
func Marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Unmarshal decodes a payload shape received from the bus.
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
