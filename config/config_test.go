package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "8080", cfg.Server.Port)
	require.Equal(t, 24, cfg.JWT.ExpireHours)
	require.Equal(t, "astrolive-recordings", cfg.AWS.RecordingsBucket)
	require.NotEmpty(t, cfg.WebRTC.ICEUrls)
}

func TestDSNFromComponents(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: "5433", User: "app", Password: "pw",
		DBName: "astrolive", SSLMode: "disable",
	}
	require.Equal(t, "postgres://app:pw@db:5433/astrolive?sslmode=disable", d.DSN())
}

func TestDSNPrefersURL(t *testing.T) {
	d := DatabaseConfig{URL: "postgres://elsewhere/x", Host: "ignored"}
	require.Equal(t, "postgres://elsewhere/x", d.DSN())
}

func TestRTCEnabled(t *testing.T) {
	require.False(t, RTCConfig{}.Enabled())
	require.False(t, RTCConfig{AppID: 1}.Enabled())
	require.False(t, RTCConfig{ServerSecret: "s"}.Enabled())
	require.True(t, RTCConfig{AppID: 1, ServerSecret: "s"}.Enabled())
}

func TestRTCAppIDFromEnv(t *testing.T) {
	t.Setenv("RTC_APP_ID", "123456")
	t.Setenv("RTC_SERVER_SECRET", "0123456789abcdef0123456789abcdef")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint32(123456), cfg.RTC.AppID)
	require.True(t, cfg.RTC.Enabled())
}

func TestSplitTrim(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitTrim(" a , b ,", ","))
	require.Nil(t, splitTrim("", ","))
}
