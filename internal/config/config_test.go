package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"six7-fabric/internal/dht"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/vibe"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "six7.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWhenNoPath(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "six7", c.Node.Prefix)
	require.Equal(t, "lobby", c.Node.Room)

	fc, err := c.Fabric()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:4001", fc.Transport.ListenAddr)
	require.Equal(t, 20, fc.DHT.K)
	require.Equal(t, dht.DefaultDiversityPolicy(), fc.DHT.Diversity)
	require.Equal(t, 24*time.Hour, fc.DHT.MaxRecordTTL)
	require.True(t, fc.Transport.Relay.AcceptRelayed)

	require.ErrorIs(t, c.VibePolicy().Validate(), vibe.ErrTimingUnset)
}

func TestLoad_OverridesAndDurations(t *testing.T) {
	id, err := identity.Generate()
	require.NoError(t, err)

	path := writeFile(t, `
[node]
listen = "127.0.0.1:5001"
bootstrap = ["10.0.0.2:4001/`+id.Fingerprint()+`"]
lan = true
room = "Builders"
ack_timeout = "4s"

[log]
level = "debug"
format = "json"

[relay]
enabled = true
allow = ["`+id.Fingerprint()+`"]
max_circuit_duration = "10m"

[dht]
k = 16
max_per_subnet = 4
limit_private_subnets = true

[presence]
heartbeat_interval = "10s"
suspect_after = "15s"
offline_after = "25s"

[vibe]
reveal_delay = "30s"
reveal_deadline = "2m"

[metrics]
listen = "127.0.0.1:9100"
`)
	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, c.Path)
	require.Equal(t, "json", c.Log.Format)
	require.Equal(t, "Builders", c.Node.Room)

	fc, err := c.Fabric()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:5001", fc.Transport.ListenAddr)
	require.Len(t, fc.BootstrapPeers, 1)
	require.True(t, fc.LAN)
	require.Equal(t, 4*time.Second, fc.AckTimeout)
	require.True(t, fc.Transport.Relay.Enabled)
	require.Equal(t, []identity.PeerID{id.PeerID()}, fc.Transport.Relay.Allow)
	require.Equal(t, 10*time.Minute, fc.Transport.Relay.MaxCircuitDuration)
	require.Equal(t, 16, fc.DHT.K)
	require.Equal(t, 3, fc.DHT.Alpha)
	require.Equal(t, dht.DiversityPolicy{MaxPerSubnet: 4, LimitPrivate: true}, fc.DHT.Diversity)
	require.Equal(t, 25*time.Second, fc.Presence.OfflineAfter)

	p := c.VibePolicy()
	require.NoError(t, p.Validate())
	require.Equal(t, 30*time.Second, p.RevealDelay)
	require.Equal(t, 2*time.Minute, p.RevealDeadline)
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":   "[node]\nlisten_addr = \"x\"\n",
		"bad duration":  "[node]\nack_timeout = \"soon\"\n",
		"bad listen":    "[node]\nlisten = \"4001\"\n",
		"bad bootstrap": "[node]\nbootstrap = [\"1.2.3.4:1/zz\"]\n",
		"bad room":      "[node]\nroom = \"no spaces\"\n",
		"bad level":     "[log]\nlevel = \"loud\"\n",
		"bad allow":     "[relay]\nallow = [\"abc\"]\n",
		"bad degrees":   "[gossip]\nd = 2\ndlo = 4\n",
		"vibe no delay": "[vibe]\nreveal_deadline = \"1m\"\n",
		"vibe order":    "[vibe]\nreveal_delay = \"1m\"\nreveal_deadline = \"10s\"\n",
		"bad presence":  "[presence]\nsuspect_after = \"1m\"\noffline_after = \"30s\"\n",
		"bad subnet":    "[dht]\nmax_per_subnet = -1\n",
		"record ttl":    "[dht]\npeer_record_ttl = \"2h\"\nmax_record_ttl = \"1h\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestPassphrase(t *testing.T) {
	c := Default()
	t.Setenv("SIX7_PASSPHRASE", "hunter2")
	require.Equal(t, []byte("hunter2"), c.Passphrase())
	c.Node.PassphraseEnv = ""
	require.Nil(t, c.Passphrase())
}
