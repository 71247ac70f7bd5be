package main

/*
MIT License

Copyright (c) 2015-2024 University Corporation for Atmospheric Research

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"github.com/NCAR/cmrio"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

/*Config is the cmripoll YAML file:

  transport:
    port: /dev/ttyUSB0      # or tcp://bridge:4001
    settings: "19200"
    timeout_ms: 100
    discover_rate: 0.2
    silence_ms: 10
  nodes:
    - address: 0
      init: ["49 4D 00 00 00 02"]
      query: "50"           # optional, P
  mqtt:                     # optional
    broker: tcp://localhost:1883
    topic: layout/cmri
*/
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Nodes     []NodeConfig    `yaml:"nodes"`
	MQTT      *MQTTConfig     `yaml:"mqtt"`
}

/*TransportConfig becomes the SerialTransport properties; zero values leave
the transport defaults in place*/
type TransportConfig struct {
	Port         string  `yaml:"port"`
	Settings     string  `yaml:"settings"`
	TimeoutMs    int     `yaml:"timeout_ms"`
	DiscoverRate float64 `yaml:"discover_rate"`
	SilenceMs    *int    `yaml:"silence_ms"`
}

//NodeConfig is one unit: its address and hex encoded messages
type NodeConfig struct {
	Address int      `yaml:"address"`
	Init    []string `yaml:"init"`
	Query   string   `yaml:"query"`
}

//MQTTConfig enables the snapshot publisher
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

//Load reads and parses path; it does not validate
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}
	return &cfg, nil
}

//Validate checks configuration correctness.  It does not mutate cfg.
func Validate(cfg *Config) error {
	t := cfg.Transport
	if strings.TrimSpace(t.Port) == "" {
		return errors.New("transport: port is required")
	}
	if strings.TrimSpace(t.Settings) == "" {
		return errors.New("transport: settings is required")
	}
	if t.TimeoutMs < 0 {
		return errors.Errorf("transport: timeout_ms %d is negative", t.TimeoutMs)
	}
	if t.DiscoverRate != 0 && !(t.DiscoverRate > 0 && t.DiscoverRate <= 1) {
		return errors.Errorf("transport: discover_rate %v not in (0, 1]", t.DiscoverRate)
	}
	if t.SilenceMs != nil && *t.SilenceMs < 0 {
		return errors.Errorf("transport: silence_ms %d is negative", *t.SilenceMs)
	}

	if len(cfg.Nodes) == 0 {
		return errors.New("nodes: at least one node is required")
	}
	seen := make(map[int]bool)
	for i, n := range cfg.Nodes {
		if n.Address < 0 || n.Address > cmrio.MaxAddress {
			return errors.Errorf("nodes[%d]: address %d not in 0..%d", i, n.Address, cmrio.MaxAddress)
		}
		if seen[n.Address] {
			return errors.Errorf("nodes[%d]: address %d defined twice", i, n.Address)
		}
		seen[n.Address] = true
		if _, _, err := n.Messages(); err != nil {
			return errors.Wrapf(err, "nodes[%d] (address %d)", i, n.Address)
		}
	}

	if m := cfg.MQTT; m != nil {
		if m.Broker == "" {
			return errors.New("mqtt: broker is required")
		}
		if m.Topic == "" {
			return errors.New("mqtt: topic is required")
		}
		if m.QoS > 2 {
			return errors.Errorf("mqtt: qos %d not in 0..2", m.QoS)
		}
	}
	return nil
}

/*Messages decodes the node's init and query messages.  query is nil when the
node uses the transport default.*/
func (n NodeConfig) Messages() (init [][]byte, query []byte, err error) {
	for j, s := range n.Init {
		msg, err := decodeHex(s)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "init[%d]", j)
		}
		if len(msg) == 0 {
			return nil, nil, errors.Errorf("init[%d]: empty message", j)
		}
		init = append(init, msg)
	}
	if strings.TrimSpace(n.Query) != "" {
		if query, err = decodeHex(n.Query); err != nil {
			return nil, nil, errors.Wrap(err, "query")
		}
	}
	return init, query, nil
}

//decodeHex accepts "49 4D 00", "49:4D:00" and "494D00"
func decodeHex(s string) ([]byte, error) {
	s = strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(s)
	return hex.DecodeString(s)
}

//Properties renders the transport section as SerialTransport properties
func (cfg *Config) Properties() []cmrio.Property {
	t := cfg.Transport
	props := []cmrio.Property{
		{Key: cmrio.PropPort, Type: cmrio.TypeString, Value: t.Port},
		{Key: cmrio.PropSettings, Type: cmrio.InferType(t.Settings), Value: t.Settings},
	}
	if t.TimeoutMs > 0 {
		props = append(props, cmrio.Property{Key: cmrio.PropTimeout, Type: cmrio.TypeNumber, Value: strconv.Itoa(t.TimeoutMs)})
	}
	if t.DiscoverRate > 0 {
		props = append(props, cmrio.Property{Key: cmrio.PropDiscoverRate, Type: cmrio.TypeNumber,
			Value: strconv.FormatFloat(t.DiscoverRate, 'g', -1, 64)})
	}
	if t.SilenceMs != nil {
		props = append(props, cmrio.Property{Key: cmrio.PropSilence, Type: cmrio.TypeNumber, Value: strconv.Itoa(*t.SilenceMs)})
	}
	return props
}
