package cli

import (
	"log/slog"

	"github.com/c0deZ3R0/storefront-sync/config"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/storage/postgres"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlite"
)

// openStore opens the configured journal. It returns nil when the journal
// is disabled.
func openStore(jc config.JournalConfig, logger *slog.Logger) (storage.Journal, error) {
	switch jc.Driver {
	case config.DriverPostgres:
		pcfg := postgres.DefaultConfig(jc.DSN)
		pcfg.Logger = logger
		if jc.TableName != "" {
			pcfg.TableName = jc.TableName
		}
		j, err := postgres.New(pcfg)
		if err != nil {
			return nil, err
		}
		return j, nil
	default:
		if jc.Path == "" {
			return nil, nil
		}
		scfg := sqlite.DefaultConfig(jc.Path)
		scfg.EnableWAL = jc.EnableWAL
		scfg.Logger = logger
		if jc.TableName != "" {
			scfg.TableName = jc.TableName
		}
		j, err := sqlite.New(scfg)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}
