package domain

import "time"

// BSSDescription describes one BSS observed during a scan or targeted during
// a join. IEs carries the raw information elements from the beacon or probe
// response; the driver forwards them opaquely.
type BSSDescription struct {
	BSSID    string `json:"bssid"`
	SSID     string `json:"ssid"`
	Channel  int    `json:"channel"`
	RSSI     int    `json:"rssi"`
	Security string `json:"security"` // OPEN, WEP, WPA2, WPA3
	// BeaconInterval in time units (TU, 1024us) as advertised.
	BeaconInterval uint16    `json:"beacon_interval"`
	Capability     uint16    `json:"capability"`
	IEs            []byte    `json:"-"`
	LastSeen       time.Time `json:"last_seen"`
}

// ScanStatus is the terminal status of a scan.
type ScanStatus string

const (
	ScanStatusDone    ScanStatus = "done"
	ScanStatusAborted ScanStatus = "aborted"
	ScanStatusError   ScanStatus = "error"
)

// ScanRequest describes one scan to run. An empty SSID list means a broadcast
// (wildcard) scan. Channels is the channel list to visit; empty means the
// firmware default set.
type ScanRequest struct {
	Iface    InterfaceID
	SSIDs    []string
	Channels []int
	// Passive scans only listen for beacons; active scans transmit probe
	// requests on each channel.
	Passive bool
	// DwellTime per channel. Zero selects the configured default.
	DwellTime time.Duration
}
