package state

import "pvefleet/internal/config"

// Open returns the store selected by cfg: etcd when endpoints are set, a
// directory store when a dir is set, nil when history is disabled.
func Open(cfg config.HistoryConfig) (Store, error) {
	switch {
	case len(cfg.EtcdEndpoints) > 0:
		return NewEtcdStore(cfg.EtcdEndpoints)
	case cfg.Dir != "":
		return NewFileStore(cfg.Dir)
	default:
		return nil, nil
	}
}
