package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/uds3-core/internal/domain"
)

// BackendEntry configures one backend kind. Adapter-specific fields beyond
// the known set are preserved in Extra but not interpreted by the core.
type BackendEntry struct {
	Enabled   bool   `yaml:"enabled"`
	Type      string `yaml:"type"`
	Autostart bool   `yaml:"autostart"`
	// Common adapter fields; each adapter reads the subset it needs.
	DSN        string `yaml:"dsn,omitempty"`
	URL        string `yaml:"url,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	Addr       string `yaml:"addr,omitempty"`
	Password   string `yaml:"password,omitempty"`
	DB         int    `yaml:"db,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	Table      string `yaml:"table,omitempty"`
	Root       string `yaml:"root,omitempty"`

	Extra map[string]any `yaml:",inline"`
}

// SagaSection configures the saga engine portion of the document.
type SagaSection struct {
	EventStoreKind string `yaml:"event_store_kind"`
	LeaseTTLMS     int    `yaml:"lease_ttl_ms"`
}

// BatcherSection mirrors the batcher keys of the document.
type BatcherSection struct {
	BMin          int `yaml:"b_min"`
	BMax          int `yaml:"b_max"`
	MaxLingerMS   int `yaml:"max_linger_ms"`
	HighWatermark int `yaml:"high_watermark"`
}

// GovernanceSection configures the policy gate.
type GovernanceSection struct {
	Mode     string                    `yaml:"mode"`
	Policies map[string]PolicyEntry    `yaml:"policies"`
}

// PolicyEntry is one "<kind>.<op>" policy in the document.
type PolicyEntry struct {
	Allow           bool     `yaml:"allow"`
	Fields          []string `yaml:"fields,omitempty"`
	MaxPayloadBytes int      `yaml:"max_payload_bytes,omitempty"`
}

// BackendsDoc is the single configuration document with one entry per
// backend kind plus the saga/batcher/governance sections.
type BackendsDoc struct {
	Backends   map[domain.BackendKind]BackendEntry `yaml:",inline"`
	Saga       SagaSection                         `yaml:"saga"`
	Batcher    BatcherSection                      `yaml:"batcher"`
	Governance GovernanceSection                   `yaml:"governance"`
}

// UnmarshalYAML splits backend-kind keys from the fixed sections. Unknown
// top-level keys are ignored rather than rejected.
func (d *BackendsDoc) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := value.Decode(&raw); err != nil {
		return err
	}
	d.Backends = map[domain.BackendKind]BackendEntry{}
	for k, node := range raw {
		switch k {
		case "saga":
			if err := node.Decode(&d.Saga); err != nil {
				return fmt.Errorf("section saga: %w", err)
			}
		case "batcher":
			if err := node.Decode(&d.Batcher); err != nil {
				return fmt.Errorf("section batcher: %w", err)
			}
		case "governance":
			if err := node.Decode(&d.Governance); err != nil {
				return fmt.Errorf("section governance: %w", err)
			}
		default:
			kind := domain.BackendKind(k)
			if !kind.Valid() {
				continue
			}
			var entry BackendEntry
			if err := node.Decode(&entry); err != nil {
				return fmt.Errorf("backend %s: %w", k, err)
			}
			d.Backends[kind] = entry
		}
	}
	return nil
}

// LoadBackends reads and parses the backend configuration document.
func LoadBackends(path string) (BackendsDoc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return BackendsDoc{}, fmt.Errorf("op=config.LoadBackends path=%s: %w", path, err)
	}
	return ParseBackends(b)
}

// ParseBackends parses a backend configuration document from bytes.
func ParseBackends(b []byte) (BackendsDoc, error) {
	var doc BackendsDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return BackendsDoc{}, fmt.Errorf("op=config.ParseBackends: %w", err)
	}
	return doc, nil
}

// ApplyOverrides folds selected env values over the document: event-store DSN
// onto the relational entry and governance mode onto the governance section.
func (d *BackendsDoc) ApplyOverrides(cfg Config) {
	if cfg.EventStoreDSN != "" {
		entry := d.Backends[domain.KindRelational]
		entry.DSN = cfg.EventStoreDSN
		entry.Enabled = true
		if entry.Type == "" {
			entry.Type = "postgres"
		}
		d.Backends[domain.KindRelational] = entry
	}
	if cfg.GovernanceMode != "" {
		d.Governance.Mode = cfg.GovernanceMode
	}
}
