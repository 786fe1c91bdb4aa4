// Package config handles the six7.toml node configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"six7-fabric/internal/bootstrap"
	"six7-fabric/internal/dht"
	"six7-fabric/internal/fabric"
	"six7-fabric/internal/identity"
	"six7-fabric/internal/logging"
	"six7-fabric/internal/message"
	"six7-fabric/internal/paths"
	"six7-fabric/internal/vibe"
)

// Duration is a time.Duration written as a string ("30s") in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the node configuration file.
type Config struct {
	Node      Node      `toml:"node"`
	Log       Log       `toml:"log"`
	Transport Transport `toml:"transport"`
	Relay     Relay     `toml:"relay"`
	DHT       DHT       `toml:"dht"`
	Gossip    Gossip    `toml:"gossip"`
	Presence  Presence  `toml:"presence"`
	Vibe      Vibe      `toml:"vibe"`
	Metrics   Metrics   `toml:"metrics"`

	// Path is the file the config was read from (set at load time).
	Path string `toml:"-"`
}

type Node struct {
	Listen      string   `toml:"listen"`
	DataDir     string   `toml:"data_dir"`
	Prefix      string   `toml:"prefix"`
	DisplayName string   `toml:"display_name"`
	Room        string   `toml:"room"`
	Bootstrap   []string `toml:"bootstrap"`
	LAN         bool     `toml:"lan"`
	LANPort     int      `toml:"lan_port"`
	STUN        []string `toml:"stun"`
	MinPeers    int      `toml:"min_peers"`
	AckTimeout  Duration `toml:"ack_timeout"`
	InboxSize   int      `toml:"inbox_size"`
	// PassphraseEnv names the environment variable holding the keystore
	// passphrase.
	PassphraseEnv string `toml:"passphrase_env"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Transport struct {
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	DirectTimeout    Duration `toml:"direct_timeout"`
	PunchTimeout     Duration `toml:"punch_timeout"`
	IdleTimeout      Duration `toml:"idle_timeout"`
	ExternalHost     string   `toml:"external_host"`
}

type Relay struct {
	Enabled            bool     `toml:"enabled"`
	Allow              []string `toml:"allow"`
	MaxCircuits        int      `toml:"max_circuits"`
	MaxCircuitsPerPeer int      `toml:"max_circuits_per_peer"`
	MaxCircuitDuration Duration `toml:"max_circuit_duration"`
	RequestsPerSecond  float64  `toml:"requests_per_second"`
	Burst              int      `toml:"burst"`
	AcceptRelayed      bool     `toml:"accept_relayed"`
}

type DHT struct {
	K                 int      `toml:"k"`
	Alpha             int      `toml:"alpha"`
	RPCTimeout        Duration `toml:"rpc_timeout"`
	RefreshInterval   Duration `toml:"refresh_interval"`
	RepublishInterval Duration `toml:"republish_interval"`
	PeerRecordTTL     Duration `toml:"peer_record_ttl"`
	MaxRecordTTL      Duration `toml:"max_record_ttl"`
	// MaxPerSubnet of 0 disables the per-bucket subnet cap. Private
	// addresses are only capped with LimitPrivate.
	MaxPerSubnet int  `toml:"max_per_subnet"`
	LimitPrivate bool `toml:"limit_private_subnets"`
}

type Gossip struct {
	D                 int      `toml:"d"`
	Dlo               int      `toml:"dlo"`
	Dhi               int      `toml:"dhi"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SeenTTL           Duration `toml:"seen_ttl"`
}

type Presence struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SuspectAfter      Duration `toml:"suspect_after"`
	OfflineAfter      Duration `toml:"offline_after"`
}

// Vibe has no defaults. Leaving reveal_delay unset disables vibes.
type Vibe struct {
	RevealDelay    Duration `toml:"reveal_delay"`
	MinRevealDelay Duration `toml:"min_reveal_delay"`
	RevealDeadline Duration `toml:"reveal_deadline"`
}

type Metrics struct {
	// Listen serves /metrics when set.
	Listen string `toml:"listen"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	fc := fabric.DefaultConfig()
	return Config{
		Node: Node{
			Listen:        "0.0.0.0:4001",
			DataDir:       paths.DefaultDataDir(),
			Prefix:        fc.Prefix,
			Room:          message.DefaultRoom,
			LANPort:       fc.LANPort,
			MinPeers:      fc.MinPeers,
			AckTimeout:    Duration(fc.AckTimeout),
			InboxSize:     fc.InboxSize,
			PassphraseEnv: "SIX7_PASSPHRASE",
		},
		Log: Log{Level: "info", Format: logging.FormatConsole},
		Transport: Transport{
			HandshakeTimeout: Duration(fc.Transport.HandshakeTimeout),
			DirectTimeout:    Duration(fc.Transport.DirectTimeout),
			PunchTimeout:     Duration(fc.Transport.PunchTimeout),
			IdleTimeout:      Duration(fc.Transport.IdleTimeout),
		},
		Relay: Relay{
			MaxCircuits:        fc.Transport.Relay.MaxCircuits,
			MaxCircuitsPerPeer: fc.Transport.Relay.MaxCircuitsPerPeer,
			MaxCircuitDuration: Duration(fc.Transport.Relay.MaxCircuitDuration),
			RequestsPerSecond:  fc.Transport.Relay.RequestsPerSecond,
			Burst:              fc.Transport.Relay.Burst,
			AcceptRelayed:      fc.Transport.Relay.AcceptRelayed,
		},
		DHT: DHT{
			K:                 fc.DHT.K,
			Alpha:             fc.DHT.Alpha,
			RPCTimeout:        Duration(fc.DHT.RPCTimeout),
			RefreshInterval:   Duration(fc.DHT.RefreshInterval),
			RepublishInterval: Duration(fc.DHT.RepublishInterval),
			PeerRecordTTL:     Duration(fc.DHT.PeerRecordTTL),
			MaxRecordTTL:      Duration(fc.DHT.MaxRecordTTL),
			MaxPerSubnet:      fc.DHT.Diversity.MaxPerSubnet,
			LimitPrivate:      fc.DHT.Diversity.LimitPrivate,
		},
		Gossip: Gossip{
			D:                 fc.Gossip.D,
			Dlo:               fc.Gossip.Dlo,
			Dhi:               fc.Gossip.Dhi,
			HeartbeatInterval: Duration(fc.Gossip.HeartbeatInterval),
			SeenTTL:           Duration(fc.Gossip.SeenTTL),
		},
		Presence: Presence{
			HeartbeatInterval: Duration(fc.Presence.HeartbeatInterval),
			SuspectAfter:      Duration(fc.Presence.SuspectAfter),
			OfflineAfter:      Duration(fc.Presence.OfflineAfter),
		},
	}
}

// Load reads path over the defaults and validates the result. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return &c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	if err := Parse(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse error in %s: %w", path, err)
	}
	c.Path = path
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse decodes TOML over c, rejecting unknown keys.
func Parse(data []byte, c *Config) error {
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return err
	}
	if und := md.Undecoded(); len(und) > 0 {
		return fmt.Errorf("unknown key %q", und[0].String())
	}
	return nil
}

func validHostPort(s string) error {
	_, _, err := net.SplitHostPort(s)
	return err
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("config: "+format, args...))
	}

	if err := validHostPort(c.Node.Listen); err != nil {
		add("node.listen: %v", err)
	}
	if c.Node.DataDir == "" {
		add("node.data_dir is empty")
	}
	if err := message.ValidateTopic(c.Node.Prefix); err != nil {
		add("node.prefix: %v", err)
	}
	if c.Node.Room != "" {
		if err := message.ValidateRoom(c.Node.Room); err != nil {
			add("node.room: %v", err)
		}
	}
	if _, err := bootstrap.ParseList(c.Node.Bootstrap); err != nil {
		add("node.bootstrap: %v", err)
	}
	if c.Node.LANPort <= 0 || c.Node.LANPort > 65535 {
		add("node.lan_port %d out of range", c.Node.LANPort)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != logging.FormatConsole && c.Log.Format != logging.FormatJSON {
		add("log.format must be %q or %q", logging.FormatConsole, logging.FormatJSON)
	}
	if _, err := c.relayAllow(); err != nil {
		add("relay.allow: %v", err)
	}
	if c.DHT.K <= 0 || c.DHT.Alpha <= 0 {
		add("dht.k and dht.alpha must be positive")
	}
	if c.DHT.MaxPerSubnet < 0 {
		add("dht.max_per_subnet must not be negative")
	}
	if c.DHT.MaxRecordTTL > 0 && c.DHT.PeerRecordTTL > c.DHT.MaxRecordTTL {
		add("dht.peer_record_ttl exceeds max_record_ttl")
	}
	if g := c.Gossip; !(g.Dlo <= g.D && g.D <= g.Dhi) || g.Dlo <= 0 {
		add("gossip degrees must satisfy 0 < dlo <= d <= dhi")
	}
	if p := c.Presence; p.SuspectAfter > 0 && p.OfflineAfter > 0 && p.SuspectAfter >= p.OfflineAfter {
		add("presence.suspect_after must be below offline_after")
	}
	if c.Vibe.RevealDelay > 0 {
		if err := c.VibePolicy().Validate(); err != nil {
			add("vibe: %v", err)
		}
	} else if c.Vibe.MinRevealDelay > 0 || c.Vibe.RevealDeadline > 0 {
		add("vibe: %v", vibe.ErrTimingUnset)
	}
	if c.Metrics.Listen != "" {
		if err := validHostPort(c.Metrics.Listen); err != nil {
			add("metrics.listen: %v", err)
		}
	}
	return errs
}

func (c *Config) relayAllow() ([]identity.PeerID, error) {
	var (
		out  []identity.PeerID
		errs error
	)
	for _, s := range c.Relay.Allow {
		p, err := identity.ParsePeerID(s)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%q: %w", s, err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

// Fabric maps the file onto the node's runtime config.
func (c *Config) Fabric() (fabric.Config, error) {
	allow, err := c.relayAllow()
	if err != nil {
		return fabric.Config{}, err
	}
	fc := fabric.DefaultConfig()
	fc.Prefix = c.Node.Prefix
	fc.BootstrapPeers = append([]string(nil), c.Node.Bootstrap...)
	fc.LAN = c.Node.LAN
	fc.LANPort = c.Node.LANPort
	fc.STUNServers = append([]string(nil), c.Node.STUN...)
	fc.MinPeers = c.Node.MinPeers
	fc.AckTimeout = c.Node.AckTimeout.D()
	fc.InboxSize = c.Node.InboxSize

	t := &fc.Transport
	t.ListenAddr = c.Node.Listen
	t.HandshakeTimeout = c.Transport.HandshakeTimeout.D()
	t.DirectTimeout = c.Transport.DirectTimeout.D()
	t.PunchTimeout = c.Transport.PunchTimeout.D()
	t.IdleTimeout = c.Transport.IdleTimeout.D()
	t.ExternalHost = c.Transport.ExternalHost
	t.Relay.Enabled = c.Relay.Enabled
	t.Relay.Allow = allow
	t.Relay.MaxCircuits = c.Relay.MaxCircuits
	t.Relay.MaxCircuitsPerPeer = c.Relay.MaxCircuitsPerPeer
	t.Relay.MaxCircuitDuration = c.Relay.MaxCircuitDuration.D()
	t.Relay.RequestsPerSecond = c.Relay.RequestsPerSecond
	t.Relay.Burst = c.Relay.Burst
	t.Relay.AcceptRelayed = c.Relay.AcceptRelayed

	fc.DHT.K = c.DHT.K
	fc.DHT.Alpha = c.DHT.Alpha
	fc.DHT.RPCTimeout = c.DHT.RPCTimeout.D()
	fc.DHT.RefreshInterval = c.DHT.RefreshInterval.D()
	fc.DHT.RepublishInterval = c.DHT.RepublishInterval.D()
	fc.DHT.PeerRecordTTL = c.DHT.PeerRecordTTL.D()
	fc.DHT.MaxRecordTTL = c.DHT.MaxRecordTTL.D()
	fc.DHT.Diversity = dht.DiversityPolicy{MaxPerSubnet: c.DHT.MaxPerSubnet, LimitPrivate: c.DHT.LimitPrivate}

	fc.Gossip.D = c.Gossip.D
	fc.Gossip.Dlo = c.Gossip.Dlo
	fc.Gossip.Dhi = c.Gossip.Dhi
	fc.Gossip.HeartbeatInterval = c.Gossip.HeartbeatInterval.D()
	fc.Gossip.SeenTTL = c.Gossip.SeenTTL.D()

	fc.Presence.HeartbeatInterval = c.Presence.HeartbeatInterval.D()
	fc.Presence.SuspectAfter = c.Presence.SuspectAfter.D()
	fc.Presence.OfflineAfter = c.Presence.OfflineAfter.D()
	return fc, nil
}

func (c *Config) VibePolicy() vibe.Policy {
	return vibe.Policy{
		RevealDelay:    c.Vibe.RevealDelay.D(),
		MinRevealDelay: c.Vibe.MinRevealDelay.D(),
		RevealDeadline: c.Vibe.RevealDeadline.D(),
	}
}

// Passphrase reads the keystore passphrase from the configured
// environment variable. Unset means empty.
func (c *Config) Passphrase() []byte {
	if c.Node.PassphraseEnv == "" {
		return nil
	}
	return []byte(os.Getenv(c.Node.PassphraseEnv))
}
