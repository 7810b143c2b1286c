package mesh

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/TheusHen/meshcore/mesh/consensus"
	"github.com/TheusHen/meshcore/mesh/discovery"
	"github.com/TheusHen/meshcore/mesh/identity"
	"github.com/TheusHen/meshcore/mesh/transport"
)

// Config assembles the configuration of every subsystem of a Node.
type Config struct {
	// DataDir holds the identity keys, the routing snapshot and the
	// consensus log. Empty keeps everything in memory.
	DataDir      string
	KeyAlgorithm identity.Algorithm
	KeyValidity  time.Duration

	// Peers is the genesis consensus membership besides the local node.
	Peers []identity.NodeID

	// ControlAddr is the ZeroMQ endpoint of the status/command surface,
	// e.g. "tcp://127.0.0.1:7790". Empty disables it.
	ControlAddr    string
	ControlTimeout time.Duration

	Transport transport.Config
	Discovery discovery.Config
	Consensus consensus.Config
}

func DefaultConfig() Config {
	return Config{
		KeyAlgorithm:   identity.AlgHybridEd25519MLDSA65,
		KeyValidity:    30 * 24 * time.Hour,
		ControlTimeout: 5 * time.Second,
		Transport:      transport.DefaultConfig(),
		Discovery:      discovery.DefaultConfig(),
		Consensus:      consensus.DefaultConfig(),
	}
}

// LoadConfig starts from DefaultConfig, loads the given .env files (".env"
// when none are named; missing files are fine) and overlays MESH_*
// environment variables.
func LoadConfig(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("mesh: load env: %w", err)
	}
	cfg := DefaultConfig()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("MESH_DATA_DIR", &c.DataDir)
	str("MESH_CONTROL_ADDR", &c.ControlAddr)
	str("MESH_LISTEN_ADDR", &c.Transport.ListenAddr)
	str("MESH_PROFILE", &c.Transport.Profile)
	str("MESH_RELAY", &c.Transport.Relay)
	flag("MESH_RELAY_SERVER", &c.Transport.RelayServer)
	if v, ok := lookup("MESH_STREAM_MODE"); ok {
		c.Transport.StreamMode = transport.StreamMode(strings.ToLower(v))
	}
	num("MESH_K", &c.Discovery.K)
	num("MESH_ALPHA", &c.Discovery.Alpha)
	flag("MESH_MULTICAST", &c.Discovery.Multicast)
	str("MESH_MULTICAST_ADDR", &c.Discovery.MulticastAddr)
	dur("MESH_ELECTION_TIMEOUT_MIN", &c.Consensus.ElectionTimeoutMin)
	dur("MESH_ELECTION_TIMEOUT_MAX", &c.Consensus.ElectionTimeoutMax)
	dur("MESH_HEARTBEAT", &c.Consensus.HeartbeatInterval)

	if v, ok := lookup("MESH_KEY_ALGORITHM"); ok {
		switch strings.ToLower(v) {
		case "hybrid", "ed25519+mldsa65":
			c.KeyAlgorithm = identity.AlgHybridEd25519MLDSA65
		case "mldsa65", "pq":
			c.KeyAlgorithm = identity.AlgMLDSA65
		default:
			errs = append(errs, fmt.Errorf("MESH_KEY_ALGORITHM: unknown algorithm %q", v))
		}
	}
	if v, ok := lookup("MESH_EXCLUSION_QUORUM"); ok {
		q, err := consensus.ParseQuorum(v)
		if err != nil {
			errs = append(errs, err)
		}
		c.Consensus.ExclusionQuorum = q
	}
	if v, ok := lookup("MESH_BOOTSTRAP"); ok {
		c.Discovery.Bootstrap = nil
		for _, s := range splitList(v) {
			ap, err := netip.ParseAddrPort(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("MESH_BOOTSTRAP: %w", err))
				continue
			}
			c.Discovery.Bootstrap = append(c.Discovery.Bootstrap, ap)
		}
	}
	if v, ok := lookup("MESH_SERVICES"); ok {
		c.Discovery.Services = splitList(v)
	}
	if v, ok := lookup("MESH_PEERS"); ok {
		c.Peers = nil
		for _, s := range splitList(v) {
			id, err := identity.ParseNodeID(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("MESH_PEERS: %w", err))
				continue
			}
			c.Peers = append(c.Peers, id)
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c Config) Validate() error {
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Consensus.Validate(); err != nil {
		return err
	}
	d := c.Discovery
	switch {
	case d.K <= 0:
		return fmt.Errorf("mesh: K must be positive, got %d", d.K)
	case d.Alpha <= 0 || d.Alpha > d.K:
		return fmt.Errorf("mesh: alpha must be in [1, K], got %d", d.Alpha)
	case d.QueryTimeout <= 0:
		return errors.New("mesh: discovery query timeout must be positive")
	case c.KeyValidity <= 0:
		return errors.New("mesh: key validity must be positive")
	}
	if c.ControlAddr != "" && !strings.Contains(c.ControlAddr, "://") {
		return fmt.Errorf("mesh: control address %q needs a scheme such as tcp://", c.ControlAddr)
	}
	return nil
}
