package storage

import (
	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

// toDomain converts a database model to a domain entity.
func toDomain(m BSSModel) domain.BSSDescription {
	return domain.BSSDescription{
		BSSID:          m.BSSID,
		SSID:           m.SSID,
		Channel:        m.Channel,
		RSSI:           m.RSSI,
		Security:       m.Security,
		BeaconInterval: m.BeaconInterval,
		Capability:     m.Capability,
		IEs:            m.IEs,
		LastSeen:       m.LastSeen,
	}
}

func toDomainSlice(models []BSSModel) []domain.BSSDescription {
	out := make([]domain.BSSDescription, len(models))
	for i, m := range models {
		out[i] = toDomain(m)
	}
	return out
}

// toModel converts a domain entity to a database model.
func toModel(b domain.BSSDescription) BSSModel {
	return BSSModel{
		BSSID:          b.BSSID,
		SSID:           b.SSID,
		Channel:        b.Channel,
		RSSI:           b.RSSI,
		Security:       b.Security,
		BeaconInterval: b.BeaconInterval,
		Capability:     b.Capability,
		IEs:            b.IEs,
		LastSeen:       b.LastSeen,
	}
}
