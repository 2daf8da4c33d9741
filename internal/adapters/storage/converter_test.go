package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

func TestToModelAndDomain(t *testing.T) {
	now := time.Now().Truncate(time.Second) // Truncate to match DB precision
	bss := domain.BSSDescription{
		BSSID:          "02:aa:aa:aa:aa:01",
		SSID:           "RoundTrip",
		Channel:        11,
		RSSI:           -63,
		Security:       "WPA2",
		BeaconInterval: 102,
		Capability:     0x1234,
		IEs:            []byte{0xdd, 0x02, 0xbe, 0xef},
		LastSeen:       now,
	}

	model := toModel(bss)
	assert.Equal(t, bss.BSSID, model.BSSID)
	assert.Equal(t, bss.IEs, model.IEs)

	restored := toDomain(model)
	assert.Equal(t, bss, restored)
}
