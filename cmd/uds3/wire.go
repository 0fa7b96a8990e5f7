package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/uds3-core/internal/adapter/backend"
	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/localfile"
	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/neo4j"
	pgadapter "github.com/fairyhunter13/uds3-core/internal/adapter/backend/postgres"
	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/qdrant"
	"github.com/fairyhunter13/uds3-core/internal/adapter/backend/rediskv"
	espg "github.com/fairyhunter13/uds3-core/internal/adapter/eventstore/postgres"
	"github.com/fairyhunter13/uds3-core/internal/adapter/governance"
	"github.com/fairyhunter13/uds3-core/internal/config"
	"github.com/fairyhunter13/uds3-core/internal/domain"
)

var (
	errConfig       = errors.New("configuration error")
	errNoRelational = errors.New("no relational backend configured")
)

// loadConfig parses the env config; failures map to the config exit code.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("%w: %v", errConfig, err)
	}
	return cfg, nil
}

// loadDoc reads the backend document and folds env overrides over it.
func loadDoc(cfg config.Config) (config.BackendsDoc, error) {
	doc, err := config.LoadBackends(cfg.BackendsFile)
	if err != nil {
		return config.BackendsDoc{}, fmt.Errorf("%w: %v", errConfig, err)
	}
	doc.ApplyOverrides(cfg)
	return doc, nil
}

// buildGate converts the document's governance section into the policy gate.
func buildGate(doc config.BackendsDoc) *governance.Gate {
	policies := make(map[string]governance.Policy, len(doc.Governance.Policies))
	for key, p := range doc.Governance.Policies {
		policies[key] = governance.Policy{
			Allow:           p.Allow,
			Fields:          p.Fields,
			MaxPayloadBytes: p.MaxPayloadBytes,
		}
	}
	return governance.New(governance.Mode(doc.Governance.Mode), policies)
}

// buildAdapters instantiates an adapter per enabled backend entry. Nothing is
// connected here; the manager owns lifecycle.
func buildAdapters(doc config.BackendsDoc) (map[domain.BackendKind]domain.Adapter, map[domain.BackendKind]bool, *pgadapter.Adapter, error) {
	adapters := map[domain.BackendKind]domain.Adapter{}
	autostart := map[domain.BackendKind]bool{}
	var relational *pgadapter.Adapter

	for kind, entry := range doc.Backends {
		if !entry.Enabled {
			continue
		}
		var a domain.Adapter
		switch kind {
		case domain.KindRelational:
			relational = pgadapter.New(entry.DSN)
			a = relational
		case domain.KindVector:
			a = qdrant.New(entry.URL, entry.APIKey, entry.Collection)
		case domain.KindGraph:
			username, _ := entry.Extra["username"].(string)
			a = neo4j.New(entry.URL, username, entry.Password)
		case domain.KindKeyValue:
			a = rediskv.New(entry.Addr, entry.Password, entry.DB)
		case domain.KindDocument:
			a = pgadapter.NewDocument(entry.DSN, entry.Table)
		case domain.KindFile:
			a = localfile.New(entry.Root)
		default:
			return nil, nil, nil, fmt.Errorf("backend %s: unknown kind", kind)
		}
		adapters[kind] = a
		autostart[kind] = entry.Autostart
	}
	return adapters, autostart, relational, nil
}

// buildManager wires gate and adapters; the relational adapter comes back
// separately because the event store rides its pool.
func buildManager(cfg config.Config, doc config.BackendsDoc) (*backend.Manager, *pgadapter.Adapter, error) {
	adapters, autostart, relational, err := buildAdapters(doc)
	if err != nil {
		return nil, nil, err
	}
	if relational == nil {
		return nil, nil, errNoRelational
	}
	gate := buildGate(doc)
	return backend.NewManager(gate, adapters, autostart, cfg.HealthProbeInterval), relational, nil
}

// openStore connects the relational adapter (when not already connected) and
// builds the event store over its pool.
func openStore(ctx context.Context, relational *pgadapter.Adapter, timeout time.Duration) (*espg.Store, error) {
	if relational.Pool() == nil {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := relational.Connect(cctx); err != nil {
			return nil, fmt.Errorf("%w: %v", errNoRelational, err)
		}
	}
	return espg.NewStore(relational.Pool()), nil
}
