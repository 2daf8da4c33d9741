package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/config"
	"github.com/lcalzada-xor/fullmac/internal/core/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HTTP:    config.HTTPConfig{Addr: "127.0.0.1:0"},
		DB:      config.DBConfig{Path: filepath.Join(t.TempDir(), "fullmac.db"), PruneAge: time.Hour},
		Command: config.CommandConfig{QueueDepth: 32, Timeout: time.Second},
		Connect: config.ConnectConfig{
			Timeout:              1500 * time.Millisecond,
			DisconnectTimeout:    50 * time.Millisecond,
			SignalReportInterval: 10 * time.Second,
			AuthRetryMax:         3,
			AssocRetryMax:        5,
		},
		Rx: config.RxConfig{RingCapacity: 64, BufferSize: 2048, ReorderTimeout: 100 * time.Millisecond},
	}
}

func TestApplication_BootstrapAndClose(t *testing.T) {
	application, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)

	assert.NotNil(t, application.Firmware)
	assert.NotNil(t, application.Channel)
	assert.NotNil(t, application.Manager)
	assert.NotNil(t, application.Dispatcher)
	assert.NotNil(t, application.WebServer)
	require.NoError(t, application.Close())
}

func TestApplication_ConnectAgainstSimulatedAir(t *testing.T) {
	application, err := New(testConfig(t), zap.NewNop())
	require.NoError(t, err)
	defer application.Close()

	id, err := application.Manager.CreateInterface(context.Background(), domain.RoleClient, DefaultClientMAC)
	require.NoError(t, err)

	// The seeded neighborhood includes this network.
	require.NoError(t, application.Manager.Connect(id, domain.ConnectConfig{SSID: "CoffeeShop_Free"}))

	m, err := application.Manager.Machine(id)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return m.Snapshot().State == "CONNECTED"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "02:aa:10:00:00:01", m.Snapshot().BSSID)

	// The scan engine fed the cache during the attempt's internal flow; a
	// directed scan fills it for sure.
	_, err = application.Manager.Scan(id, domain.ScanRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		all, err := application.Store.All(context.Background())
		return err == nil && len(all) == 3
	}, 3*time.Second, 10*time.Millisecond)
}
