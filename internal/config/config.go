// Package config loads revdb settings from a JSONC file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"

	"github.com/andreyvit/revdb"
)

// FileName is the config file looked up in the working directory.
const FileName = ".revdb.json"

var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrPathEmpty          = errors.New("db path cannot be empty")
	ErrBadBackend         = errors.New("unknown backend")
	ErrBadMode            = errors.New("unknown revision ID mode")
	ErrBadDigest          = errors.New("unknown digest")
	ErrBadDepth           = errors.New("max_rev_tree_depth out of range")
	ErrBadBodySize        = errors.New("max_body_size cannot be negative")
)

// Config holds everything needed to open a store.
type Config struct {
	Path            string `json:"path" yaml:"path"`
	Backend         string `json:"backend" yaml:"backend"`
	Mode            string `json:"mode" yaml:"mode"`
	PeerID          string `json:"peer_id,omitempty" yaml:"peer_id,omitempty"`
	Digest          string `json:"digest" yaml:"digest"`
	Compress        bool   `json:"compress" yaml:"compress"`
	MaxRevTreeDepth int    `json:"max_rev_tree_depth" yaml:"max_rev_tree_depth"`
	MaxBodySize     int    `json:"max_body_size,omitempty" yaml:"max_body_size,omitempty"`
	JournalDir      string `json:"journal_dir,omitempty" yaml:"journal_dir,omitempty"`
	JournalSync     bool   `json:"journal_sync,omitempty" yaml:"journal_sync,omitempty"`
	Verbose         bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

func Default() Config {
	return Config{
		Path:            "revdb.db",
		Backend:         string(revdb.BackendBolt),
		Mode:            revdb.TreeMode.String(),
		Digest:          "sha1",
		MaxRevTreeDepth: revdb.DefaultMaxRevTreeDepth,
	}
}

// fileConfig tells fields missing from a file apart from zero values.
type fileConfig struct {
	Path            *string `json:"path"`
	Backend         *string `json:"backend"`
	Mode            *string `json:"mode"`
	PeerID          *string `json:"peer_id"`
	Digest          *string `json:"digest"`
	Compress        *bool   `json:"compress"`
	MaxRevTreeDepth *int    `json:"max_rev_tree_depth"`
	MaxBodySize     *int    `json:"max_body_size"`
	JournalDir      *string `json:"journal_dir"`
	JournalSync     *bool   `json:"journal_sync"`
	Verbose         *bool   `json:"verbose"`
}

// Load reads path over the defaults. A missing file is an error only when
// mustExist is set. The result is not validated; call Validate after
// applying command-line overrides.
func Load(path string, mustExist bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mustExist {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		return cfg, nil
	} else if err != nil {
		return Config{}, err
	}
	fc, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}
	return merge(cfg, fc), nil
}

// Parse decodes JSONC data over the defaults.
func Parse(data []byte) (Config, error) {
	fc, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}
	return merge(Default(), fc), nil
}

func parse(data []byte) (fileConfig, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(std, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return fc, nil
}

func merge(c Config, fc fileConfig) Config {
	set(&c.Path, fc.Path)
	set(&c.Backend, fc.Backend)
	set(&c.Mode, fc.Mode)
	set(&c.PeerID, fc.PeerID)
	set(&c.Digest, fc.Digest)
	set(&c.Compress, fc.Compress)
	set(&c.MaxRevTreeDepth, fc.MaxRevTreeDepth)
	set(&c.MaxBodySize, fc.MaxBodySize)
	set(&c.JournalDir, fc.JournalDir)
	set(&c.JournalSync, fc.JournalSync)
	set(&c.Verbose, fc.Verbose)
	return c
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (c Config) Validate() error {
	if c.Path == "" && c.Backend != string(revdb.BackendMem) {
		return ErrPathEmpty
	}
	switch revdb.Backend(c.Backend) {
	case revdb.BackendBolt, revdb.BackendMem, revdb.BackendBadger, revdb.BackendPebble:
	default:
		return fmt.Errorf("%w %q", ErrBadBackend, c.Backend)
	}
	if _, err := revdb.ParseRevIDMode(c.Mode); err != nil {
		return fmt.Errorf("%w %q", ErrBadMode, c.Mode)
	}
	if _, err := revdb.DigesterByName(c.Digest); err != nil {
		return fmt.Errorf("%w %q", ErrBadDigest, c.Digest)
	}
	if c.MaxRevTreeDepth < 0 || c.MaxRevTreeDepth > revdb.MaxRevTreeDepthLimit {
		return fmt.Errorf("%w: %d", ErrBadDepth, c.MaxRevTreeDepth)
	}
	if c.MaxBodySize < 0 {
		return ErrBadBodySize
	}
	return nil
}

// Options converts a validated config. logf may be nil.
func (c Config) Options(logf func(format string, args ...any)) (revdb.Options, error) {
	if err := c.Validate(); err != nil {
		return revdb.Options{}, err
	}
	mode := must(revdb.ParseRevIDMode(c.Mode))
	digest := must(revdb.DigesterByName(c.Digest))
	return revdb.Options{
		Backend:         revdb.Backend(c.Backend),
		Logf:            logf,
		Verbose:         c.Verbose,
		MaxRevTreeDepth: c.MaxRevTreeDepth,
		Mode:            mode,
		PeerID:          c.PeerID,
		Digest:          digest,
		Compress:        c.Compress,
		MaxBodySize:     c.MaxBodySize,
		JournalDir:      c.JournalDir,
		JournalSync:     c.JournalSync,
	}, nil
}

// Format renders the config as indented JSON.
func Format(c Config) (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}
	return string(data), nil
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
