package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Backup controls the recurring-backup scheduler: where schedule state
	// lives, where artifacts land, and which Portainer endpoints get backed up.
	Backup BackupConfig `json:"backup"`

	Storage   *StorageConfig   `json:"storage,omitempty"`
	Alerts    *AlertsConfig    `json:"alerts,omitempty"`
	Retention *RetentionConfig `json:"retention,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BackupConfig controls the scheduler subsystem.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// The effective run interval is NOT configured here: it is either the
// OPSDASH_BACKUP_INTERVAL environment override or the persisted user-set
// value in the schedule state file.
type BackupConfig struct {
	// StatePath is the persisted schedule document. The advisory lock file is
	// derived from it by appending ".lock".
	StatePath string `json:"state_path"`

	// OutputDir receives backup artifacts.
	OutputDir string `json:"output_dir"`

	// LockTimeout bounds schedule-lock acquisition (default "10s").
	LockTimeout string `json:"lock_timeout,omitempty"`

	Targets []Target `json:"targets"`
}

// Target is one Portainer endpoint a backup artifact is produced for
// per due cycle.
type Target struct {
	Name string `json:"name"`
	// Endpoint is the Portainer base URL, e.g. "https://portainer.internal:9443".
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key,omitempty"`
	// Password optionally encrypts the produced archive (passed through to the
	// Portainer backup call; never logged).
	Password string `json:"password,omitempty"`
}

// StorageConfig controls the optional audit/dedup persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./opsdash_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AlertsConfig controls the Telegram alert channel for failed or partial
// backup cycles. Omitted or disabled means no alerts.
type AlertsConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"` // Go duration string
}

// RetentionConfig controls cron-driven pruning of aged artifacts in the
// backup output directory.
type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a crontab expression (default "0 3 * * *").
	Spec string `json:"spec,omitempty"`
	// MaxAge is a Go duration string; artifacts older than this are removed.
	MaxAge string `json:"max_age"`
}
