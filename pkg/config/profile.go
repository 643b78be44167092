package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment profile: a YAML file whose set fields override
// the environment. Unset fields leave the env values alone, so a profile
// can pin just the knobs a deployment cares about.
type Profile struct {
	Root           *string `yaml:"root"`
	Addr           *string `yaml:"addr"`
	NodeSigningKey *string `yaml:"node_signing_key_b64"`
	PublicPolicy   *bool   `yaml:"public_policy"`
	DatabaseURL    *string `yaml:"database_url"`
	IndexSQL       *bool   `yaml:"index_sql"`
	RedisAddr      *string `yaml:"redis_addr"`
	ArchiveType    *string `yaml:"archive_storage_type"`
	OTLPEndpoint   *string `yaml:"otlp_endpoint"`
	LogLevel       *string `yaml:"log_level"`
}

// LoadProfile reads a profile file and applies it over cfg.
func LoadProfile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load profile %q: %w", path, err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse profile %q: %w", path, err)
	}
	p.Apply(cfg)
	return nil
}

// Apply copies the profile's set fields onto cfg.
func (p *Profile) Apply(cfg *Config) {
	setString(&cfg.Root, p.Root)
	setString(&cfg.Addr, p.Addr)
	setString(&cfg.NodeSigningKey, p.NodeSigningKey)
	setBool(&cfg.PublicPolicy, p.PublicPolicy)
	setString(&cfg.DatabaseURL, p.DatabaseURL)
	setBool(&cfg.IndexSQL, p.IndexSQL)
	setString(&cfg.RedisAddr, p.RedisAddr)
	setString(&cfg.ArchiveType, p.ArchiveType)
	setString(&cfg.OTLPEndpoint, p.OTLPEndpoint)
	setString(&cfg.LogLevel, p.LogLevel)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
