package config

import (
	"strings"

	"emperror.dev/errors"
	"github.com/BurntSushi/toml"
	"github.com/ocfl-archive/layerstore/pkg/archive"
	"github.com/ocfl-archive/layerstore/pkg/checksum"
	"github.com/rs/zerolog"
)

const (
	IndexSQLite = "sqlite"
	IndexMemory = "memory"
)

type ArchiveConfig struct {
	Compression string                   `toml:"compression"`
	Digest      checksum.DigestAlgorithm `toml:"digest"`
}

type IndexConfig struct {
	Backend  string `toml:"backend"`
	Path     string `toml:"path"`
	PoolSize int    `toml:"poolsize"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

type ServeConfig struct {
	Addr     string `toml:"addr"`
	CertFile string `toml:"certfile"`
	KeyFile  string `toml:"keyfile"`
}

type LayerStoreConfig struct {
	Root    string         `toml:"root"`
	Repair  bool           `toml:"repair"`
	Archive *ArchiveConfig `toml:"Archive"`
	Index   *IndexConfig   `toml:"Index"`
	Log     LogConfig      `toml:"Log"`
	Serve   *ServeConfig   `toml:"Serve"`
}

func LoadLayerStoreConfig(data string) (*LayerStoreConfig, error) {
	var conf = &LayerStoreConfig{
		Root: "./layerstore",
		Archive: &ArchiveConfig{
			Compression: string(archive.CompressionDeflate),
			Digest:      checksum.DigestSHA512,
		},
		Index: &IndexConfig{
			Backend:  IndexSQLite,
			PoolSize: 4,
		},
		Log: LogConfig{
			Level: "ERROR",
		},
		Serve: &ServeConfig{
			Addr: "localhost:8080",
		},
	}

	if _, err := toml.Decode(data, conf); err != nil {
		return nil, errors.Wrap(err, "Error on loading config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate normalizes names and checks all enumerated values. It is called
// again after command line flags have been applied.
func (conf *LayerStoreConfig) Validate() error {
	conf.Archive.Compression = strings.ToLower(conf.Archive.Compression)
	if _, err := archive.ParseCompression(conf.Archive.Compression); err != nil {
		return errors.Wrap(err, "invalid Archive.compression")
	}
	conf.Archive.Digest = checksum.DigestAlgorithm(strings.ToLower(string(conf.Archive.Digest)))
	if conf.Archive.Digest != "" && !checksum.HashExists(conf.Archive.Digest) {
		return errors.Errorf("unknown digest '%s' please use %v", conf.Archive.Digest, checksum.DigestNames())
	}
	conf.Index.Backend = strings.ToLower(conf.Index.Backend)
	if conf.Index.Backend != IndexSQLite && conf.Index.Backend != IndexMemory {
		return errors.Errorf("unknown index backend '%s' please use %v", conf.Index.Backend, []string{IndexSQLite, IndexMemory})
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(conf.Log.Level)); err != nil {
		return errors.Wrapf(err, "invalid log level '%s'", conf.Log.Level)
	}
	return nil
}
