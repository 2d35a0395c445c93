package muxrelay

import (
	"os"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// ByteSize is a datasize.ByteSize that decodes from yaml, accepting
// human-readable values like "512B" or "4KB".
type ByteSize struct {
	datasize.ByteSize
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return b.UnmarshalText([]byte(s))
}

// Config is the optional configuration file shared by both commands.
type Config struct {
	Origin OriginConfig `yaml:"origin"`
	Proxy  ProxyConfig  `yaml:"proxy"`
}

type OriginConfig struct {
	Listen         string   `yaml:"listen"`
	Root           string   `yaml:"root"`
	DefaultFile    string   `yaml:"defaultFile"`
	RestrictedFile string   `yaml:"restrictedFile"`
	ChunkSize      ByteSize `yaml:"chunkSize"`
	RecvBuffer     ByteSize `yaml:"recvBuffer"`
}

type ProxyConfig struct {
	Listen      string   `yaml:"listen"`
	Upstream    string   `yaml:"upstream"`
	DefaultFile string   `yaml:"defaultFile"`
	RecvBuffer  ByteSize `yaml:"recvBuffer"`
}

// LoadConfig reads and parses a yaml configuration file.
func LoadConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// Server returns a Server configured from c.
func (c OriginConfig) Server() *Server {
	return &Server{
		Addr:           c.Listen,
		Root:           c.Root,
		DefaultFile:    c.DefaultFile,
		RestrictedFile: c.RestrictedFile,
		ChunkSize:      int(c.ChunkSize.Bytes()),
		ReadBufferSize: int(c.RecvBuffer.Bytes()),
	}
}

// Proxy returns a Proxy configured from c.
func (c ProxyConfig) Proxy() *Proxy {
	p := NewProxy(c.Upstream)
	p.Addr = c.Listen
	p.DefaultFile = c.DefaultFile
	p.ReadBufferSize = int(c.RecvBuffer.Bytes())
	return p
}
