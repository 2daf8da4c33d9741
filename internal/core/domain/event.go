package domain

// EventKind enumerates every asynchronous notification firmware can deliver.
// The set is closed: the dispatcher switches over it and logs anything else
// as a protocol violation.
type EventKind string

const (
	// EventJoinConfirm confirms BSS selection for a join. Status reports
	// whether a matching BSS was found.
	EventJoinConfirm EventKind = "join_confirm"
	// EventAuthResponse reports the peer's authentication response.
	EventAuthResponse EventKind = "auth_response"
	// EventAssocResponse reports the peer's association response; IEs
	// carries the negotiated elements on success.
	EventAssocResponse EventKind = "assoc_response"
	// EventSAEComplete reports that the external supplicant finished the
	// SAE/enterprise key exchange.
	EventSAEComplete EventKind = "sae_complete"
	// EventDeauthInd and EventDisassocInd report peer-initiated teardown.
	EventDeauthInd   EventKind = "deauth_ind"
	EventDisassocInd EventKind = "disassoc_ind"
	// EventScanResult delivers one BSS found during a scan.
	EventScanResult EventKind = "scan_result"
	// EventScanComplete ends a scan.
	EventScanComplete EventKind = "scan_complete"
	// EventSignalReport delivers periodic RSSI/SNR telemetry.
	EventSignalReport EventKind = "signal_report"
	// EventLinkDown reports loss of the association (beacon loss).
	EventLinkDown EventKind = "link_down"
	// EventFirmwareCrash reports that firmware died and is restarting.
	// All in-flight work on the affected instance is void.
	EventFirmwareCrash EventKind = "firmware_crash"
)

// Event is the tagged variant delivered through the firmware event boundary.
// Only the fields relevant to Kind are populated.
type Event struct {
	Kind   EventKind
	Iface  InterfaceID
	Status StatusCode
	Reason ReasonCode
	// ScanTxn correlates scan results with the scan that produced them.
	ScanTxn string
	BSS     *BSSDescription
	IEs     []byte
	RSSI    int
	SNR     int
}
