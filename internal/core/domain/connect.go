package domain

import "time"

// AuthAlgorithm selects the 802.11 authentication algorithm for the initial
// auth exchange.
type AuthAlgorithm string

const (
	AuthOpenSystem AuthAlgorithm = "open"
	AuthSharedKey  AuthAlgorithm = "shared"
	AuthSAE        AuthAlgorithm = "sae"
)

// SecurityParams carries the security configuration for a connect attempt.
// The driver treats key material as opaque: PMK is forwarded to firmware,
// never interpreted. For WPA-PSK networks the PMK can be derived from a
// passphrase with DerivePSK before the attempt starts.
type SecurityParams struct {
	Protection string // OPEN, WEP, WPA2, WPA3
	PMK        []byte
	// SAEPending marks handshakes completed by an external supplicant.
	// While set, a successful association is held in an EAP-pending gate
	// and not reported upward until the supplicant confirms.
	SAEPending bool
}

// ConnectConfig describes one connect (join) attempt. BSSID may be empty, in
// which case the target is selected by SSID and the firmware performs an
// internal scan first.
type ConnectConfig struct {
	SSID     string
	BSSID    string
	Channel  int
	Security SecurityParams
	// Auth is the first algorithm to try. When AllowFallback is set and the
	// peer rejects shared-key auth, the machine retries with open-system.
	Auth          AuthAlgorithm
	AllowFallback bool
}

// ConnectResultCode is the terminal outcome of one connect attempt. Exactly
// one result is reported per attempt.
type ConnectResultCode string

const (
	ConnectSuccess      ConnectResultCode = "success"
	ConnectNotFound     ConnectResultCode = "not_found"
	ConnectAuthRejected ConnectResultCode = "auth_rejected"
	ConnectRefused      ConnectResultCode = "assoc_refused"
	ConnectTimedOut     ConnectResultCode = "timeout"
	ConnectAborted      ConnectResultCode = "aborted"
)

// ConnectResult is reported to the MLME boundary when a connect attempt
// reaches a terminal state. NegotiatedIEs holds the association response
// elements (WMM parameters and friends) on success, truncated to the
// configured maximum.
type ConnectResult struct {
	Iface         InterfaceID
	Code          ConnectResultCode
	BSSID         string
	NegotiatedIEs []byte
}

// DisconnectIndication is reported when an established connection ends.
// LocallyInitiated distinguishes a driver-requested teardown from a
// peer-sent deauthentication/disassociation.
type DisconnectIndication struct {
	Iface            InterfaceID
	Reason           ReasonCode
	LocallyInitiated bool
}

// SignalReport carries periodic link quality telemetry, emitted only while
// connected.
type SignalReport struct {
	Iface InterfaceID
	RSSI  int
	SNR   int
}

// ReasonCode is an 802.11 reason code carried on deauth/disassoc frames.
type ReasonCode uint16

const (
	ReasonUnspecified   ReasonCode = 1
	ReasonAuthExpired   ReasonCode = 2
	ReasonLeaving       ReasonCode = 3
	ReasonInactivity    ReasonCode = 4
	ReasonBeaconLoss    ReasonCode = 7 // class 3 frame from nonassociated STA, reused for link loss
	ReasonFirmwareReset ReasonCode = 71
)

// StatusCode is an 802.11 status code carried on auth/assoc response frames.
type StatusCode uint16

const (
	StatusSuccess          StatusCode = 0
	StatusRefused          StatusCode = 1
	StatusAuthAlgMismatch  StatusCode = 13
	StatusAuthTimeout      StatusCode = 16
	StatusRefusedTemporary StatusCode = 30
)

// ConnectTimings bundles the timeout knobs the state machine arms. All values
// come from configuration; zero values are replaced by defaults at
// construction time.
type ConnectTimings struct {
	ConnectTimeout       time.Duration
	DisconnectTimeout    time.Duration
	SignalReportInterval time.Duration
}
