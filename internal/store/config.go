package store

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/nextlevelbuilder/hiboss/internal/hiberr"
)

// configKeys are the rows of the key/value config bag (spec §3).
const (
	configBossName       = "boss_name"
	configBossTimezone   = "boss_timezone"
	configBossTokenHash  = "boss_token_hash"
	configAdapterBossID  = "adapter_boss_id"
	configMemorySettings = "memory_settings"
	configPermPolicy     = "permission_policy"
	configSetupCompleted = "setup_completed"
)

// GetConfig assembles the Config value from the underlying key/value rows.
func (s *Store) GetConfig(ctx context.Context) (Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return Config{}, hiberr.New(hiberr.Internal, "get config: %v", err)
	}
	defer rows.Close()

	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Config{}, hiberr.New(hiberr.Internal, "scan config row: %v", err)
		}
		kv[k] = v
	}

	var cfg Config
	cfg.BossName = kv[configBossName]
	cfg.BossTimezone = kv[configBossTimezone]
	cfg.BossTokenHash = kv[configBossTokenHash]
	cfg.SetupCompleted = kv[configSetupCompleted] == "1"
	if v, ok := kv[configAdapterBossID]; ok {
		_ = json.Unmarshal([]byte(v), &cfg.AdapterBossID)
	}
	if cfg.AdapterBossID == nil {
		cfg.AdapterBossID = map[string]string{}
	}
	if v, ok := kv[configMemorySettings]; ok {
		cfg.MemorySettings = json.RawMessage(v)
	}
	if v, ok := kv[configPermPolicy]; ok {
		_ = json.Unmarshal([]byte(v), &cfg.PermissionPolicy)
	} else {
		cfg.PermissionPolicy = PermissionPolicy{Version: 1, Operations: map[string]string{}}
	}
	return cfg, nil
}

// PutConfig upserts every key/value row backing Config.
func (s *Store) PutConfig(ctx context.Context, cfg Config) error {
	adapterJSON, _ := json.Marshal(cfg.AdapterBossID)
	policyJSON, _ := json.Marshal(cfg.PermissionPolicy)
	setupCompleted := "0"
	if cfg.SetupCompleted {
		setupCompleted = "1"
	}
	kv := map[string]string{
		configBossName:       cfg.BossName,
		configBossTimezone:   cfg.BossTimezone,
		configBossTokenHash:  cfg.BossTokenHash,
		configAdapterBossID:  string(adapterJSON),
		configMemorySettings: string(cfg.MemorySettings),
		configPermPolicy:     string(policyJSON),
		configSetupCompleted: setupCompleted,
	}
	return s.InTransaction(ctx, func(tx *sql.Tx) error {
		for k, v := range kv {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO config (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return hiberr.New(hiberr.Internal, "put config %s: %v", k, err)
			}
		}
		return nil
	})
}

// SetBossToken hashes and stores the boss token (spec §4.7: principals are
// never stored as plaintext for the boss — only agent tokens are
// plaintext-by-design per spec §3).
func (s *Store) SetBossToken(ctx context.Context, token string) error {
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return err
	}
	cfg.BossTokenHash = hashToken(token)
	return s.PutConfig(ctx, cfg)
}

// VerifyBoss reports whether token matches the stored boss-token hash
// (spec §4.1, §4.7).
func (s *Store) VerifyBoss(ctx context.Context, token string) (bool, error) {
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return false, err
	}
	if cfg.BossTokenHash == "" {
		return false, nil
	}
	got := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(got), []byte(cfg.BossTokenHash)) == 1, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
