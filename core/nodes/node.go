// Package nodes defines the proxy node model and its durable store.
package nodes

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// Type identifies a node's protocol. The config variant is keyed by it.
type Type string

const (
	TypeTrojan      Type = "trojan"
	TypeVLESS       Type = "vless"
	TypeVMess       Type = "vmess"
	TypeShadowsocks Type = "shadowsocks"
	TypeHysteria2   Type = "hysteria2"
	TypeTUIC        Type = "tuic"
	TypeWireGuard   Type = "wireguard"
	TypeLocalServer Type = "local_server"
	TypeLocalClient Type = "local_client"
)

// Node is one configured proxy endpoint. Config is a tagged variant keyed
// by Type; remote variants carry server/port, local_server carries the
// listen port.
type Node struct {
	ID      string
	Name    string
	Type    Type
	Enabled bool
	Config  Config
}

// Config is the protocol-specific part of a node.
type Config interface {
	// Endpoint returns "server:port" for health probing, or "" when the
	// variant has no probeable endpoint.
	Endpoint() string
	validate() error
}

// Endpoint returns the node's probeable "server:port", or "" when absent.
func (n *Node) Endpoint() string {
	if n.Config == nil {
		return ""
	}
	return n.Config.Endpoint()
}

// Validate checks the invariants of the node and its config variant.
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node has no id")
	}
	if n.Config == nil {
		return fmt.Errorf("node %s: missing config", n.ID)
	}
	if err := n.Config.validate(); err != nil {
		return fmt.Errorf("node %s: %w", n.ID, err)
	}
	return nil
}

// Remote holds the server address fields common to every remote variant.
type Remote struct {
	Server string `json:"server"`
	Port   int    `json:"port"`
}

func (r Remote) Endpoint() string {
	if r.Server == "" || r.Port <= 0 {
		return ""
	}
	return net.JoinHostPort(r.Server, strconv.Itoa(r.Port))
}

func (r Remote) validate() error {
	if r.Server == "" {
		return fmt.Errorf("missing server")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("invalid port %d", r.Port)
	}
	return nil
}

type TrojanConfig struct {
	Remote
	Password string `json:"password"`
	SNI      string `json:"sni,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

func (c TrojanConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.Password == "" {
		return fmt.Errorf("missing password")
	}
	return nil
}

type VLESSConfig struct {
	Remote
	UUID     string `json:"uuid"`
	Flow     string `json:"flow,omitempty"`
	SNI      string `json:"sni,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

func (c VLESSConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.UUID == "" {
		return fmt.Errorf("missing uuid")
	}
	return nil
}

type VMessConfig struct {
	Remote
	UUID     string `json:"uuid"`
	AlterID  int    `json:"alter_id,omitempty"`
	Security string `json:"security,omitempty"`
}

func (c VMessConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.UUID == "" {
		return fmt.Errorf("missing uuid")
	}
	return nil
}

type ShadowsocksConfig struct {
	Remote
	Method   string `json:"method"`
	Password string `json:"password"`
}

func (c ShadowsocksConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.Method == "" {
		return fmt.Errorf("missing method")
	}
	if c.Password == "" {
		return fmt.Errorf("missing password")
	}
	return nil
}

type Hysteria2Config struct {
	Remote
	Password string `json:"password"`
	Obfs     string `json:"obfs,omitempty"`
	SNI      string `json:"sni,omitempty"`
	Insecure bool   `json:"insecure,omitempty"`
}

func (c Hysteria2Config) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.Password == "" {
		return fmt.Errorf("missing password")
	}
	return nil
}

type TUICConfig struct {
	Remote
	UUID     string `json:"uuid"`
	Password string `json:"password"`
	SNI      string `json:"sni,omitempty"`
}

func (c TUICConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.UUID == "" {
		return fmt.Errorf("missing uuid")
	}
	return nil
}

type WireGuardConfig struct {
	Remote
	PrivateKey    string   `json:"private_key"`
	PeerPublicKey string   `json:"peer_public_key"`
	LocalAddress  []string `json:"local_address,omitempty"`
}

func (c WireGuardConfig) validate() error {
	if err := c.Remote.validate(); err != nil {
		return err
	}
	if c.PrivateKey == "" || c.PeerPublicKey == "" {
		return fmt.Errorf("missing wireguard keys")
	}
	return nil
}

// LocalServerConfig is a proxy server hosted on this machine. Its
// probeable endpoint is the local listen port.
type LocalServerConfig struct {
	ListenPort int    `json:"listen_port"`
	Method     string `json:"method,omitempty"`
	Password   string `json:"password,omitempty"`
}

func (c LocalServerConfig) Endpoint() string {
	if c.ListenPort <= 0 {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.ListenPort))
}

func (c LocalServerConfig) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	return nil
}

// LocalClientConfig points at a proxy on another machine in the local
// network, reusing the remote address fields.
type LocalClientConfig struct {
	Remote
	Method   string `json:"method,omitempty"`
	Password string `json:"password,omitempty"`
}

func (c LocalClientConfig) validate() error {
	return c.Remote.validate()
}

// nodeJSON is the persisted shape of a Node; config stays raw until the
// type tag is known.
type nodeJSON struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    Type            `json:"type"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(n.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeJSON{
		ID:      n.ID,
		Name:    n.Name,
		Type:    n.Type,
		Enabled: n.Enabled,
		Config:  raw,
	})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var shell nodeJSON
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}
	cfg, err := decodeConfig(shell.Type, shell.Config)
	if err != nil {
		return fmt.Errorf("node %s: %w", shell.ID, err)
	}
	n.ID = shell.ID
	n.Name = shell.Name
	n.Type = shell.Type
	n.Enabled = shell.Enabled
	n.Config = cfg
	return nil
}

func decodeConfig(t Type, raw json.RawMessage) (Config, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var cfg Config
	switch t {
	case TypeTrojan:
		cfg = &TrojanConfig{}
	case TypeVLESS:
		cfg = &VLESSConfig{}
	case TypeVMess:
		cfg = &VMessConfig{}
	case TypeShadowsocks:
		cfg = &ShadowsocksConfig{}
	case TypeHysteria2:
		cfg = &Hysteria2Config{}
	case TypeTUIC:
		cfg = &TUICConfig{}
	case TypeWireGuard:
		cfg = &WireGuardConfig{}
	case TypeLocalServer:
		cfg = &LocalServerConfig{}
	case TypeLocalClient:
		cfg = &LocalClientConfig{}
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid %s config: %w", t, err)
	}
	return deref(cfg), nil
}

// deref stores the value, not the pointer, so Node.Config comparisons and
// copies behave like plain data.
func deref(cfg Config) Config {
	switch c := cfg.(type) {
	case *TrojanConfig:
		return *c
	case *VLESSConfig:
		return *c
	case *VMessConfig:
		return *c
	case *ShadowsocksConfig:
		return *c
	case *Hysteria2Config:
		return *c
	case *TUICConfig:
		return *c
	case *WireGuardConfig:
		return *c
	case *LocalServerConfig:
		return *c
	case *LocalClientConfig:
		return *c
	default:
		return cfg
	}
}
