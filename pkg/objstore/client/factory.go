// Package client creates object-store bucket clients based on the configured
// backend.
package client

import (
	"flag"
	"os"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	"github.com/thanos-io/objstore/providers/s3"
)

// Supported storage backends.
const (
	S3         = "s3"
	Filesystem = "filesystem"
	Memory     = "memory"
)

// ErrUnsupportedStorageBackend is returned for a backend name the factory
// does not know.
var ErrUnsupportedStorageBackend = errors.New("unsupported storage backend")

type Config struct {
	Backend      string `yaml:"backend"`
	S3ConfigFile string `yaml:"s3_config_file"`
	Directory    string `yaml:"directory"`
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Backend, prefix+"backend", Filesystem, "Storage backend: s3, filesystem or memory.")
	f.StringVar(&cfg.S3ConfigFile, prefix+"s3.config-file", "", "YAML file with the S3 client configuration.")
	f.StringVar(&cfg.Directory, prefix+"filesystem.dir", "./data", "Directory backing the filesystem storage backend.")
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("storage.", f)
}

func (cfg *Config) Validate() error {
	switch cfg.Backend {
	case S3:
		if cfg.S3ConfigFile == "" {
			return errors.New("s3 backend requires a config file")
		}
	case Filesystem:
		if cfg.Directory == "" {
			return errors.New("filesystem backend requires a directory")
		}
	case Memory:
	default:
		return errors.Wrap(ErrUnsupportedStorageBackend, cfg.Backend)
	}
	return nil
}

// NewBucket creates a bucket client for the configured backend.
func NewBucket(logger log.Logger, cfg Config, name string) (objstore.Bucket, error) {
	switch cfg.Backend {
	case S3:
		conf, err := os.ReadFile(cfg.S3ConfigFile)
		if err != nil {
			return nil, errors.Wrap(err, "read s3 config file")
		}
		return s3.NewBucket(logger, conf, name, nil)
	case Filesystem:
		return filesystem.NewBucket(cfg.Directory)
	case Memory:
		return objstore.NewInMemBucket(), nil
	default:
		return nil, errors.Wrap(ErrUnsupportedStorageBackend, cfg.Backend)
	}
}
