package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConnectorType identifies which radio transport backend should be used.
type ConnectorType string

const (
	ConnectorTCP       ConnectorType = "tcp"
	ConnectorBluetooth ConnectorType = "ble"
	ConnectorSerial    ConnectorType = "serial"

	DefaultSerialBaud = 115200
	DefaultTCPPort    = 4403

	// MinMessageDelay is the radio airtime floor between two sends on one channel.
	MinMessageDelay     = 2.0
	DefaultMessageDelay = MinMessageDelay

	DefaultMaxQueueSize        = 500
	DefaultMaxMessageBytes     = 227
	DefaultMaxReconnects       = 0
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultMsgMapMaxEntries    = 500
	DefaultMsgMapMaxAge        = 7 * 24 * time.Hour
	DefaultShutdownDrain       = 5 * time.Second
	DefaultUpdateCheckInterval = 24 * time.Hour

	DefaultMatrixPrefixFormat = "[{long20}/{mesh}]: "
	DefaultMeshPrefixFormat   = "{display5}[{mesh}]: "
	DefaultMeshnetName        = "Mesh"

	MaxChannelIndex = 7

	envPrefix = "MMRELAY"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	LogToFile bool   `mapstructure:"log_to_file"`
	File      string `mapstructure:"file"`
	// Debug levels for third-party libraries (mautrix) are tied to this flag.
	LibraryDebug bool `mapstructure:"library_debug"`
}

// E2EEConfig controls the Matrix end-to-end encryption subsystem.
type E2EEConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	StorePath string `mapstructure:"store_path"`
	PickleKey string `mapstructure:"pickle_key"`
}

// MatrixConfig contains homeserver credentials and Matrix-side formatting.
type MatrixConfig struct {
	Homeserver    string     `mapstructure:"homeserver"`
	UserID        string     `mapstructure:"bot_user_id"`
	AccessToken   string     `mapstructure:"access_token"`
	Password      string     `mapstructure:"password"`
	DeviceName    string     `mapstructure:"device_name"`
	PrefixEnabled bool       `mapstructure:"prefix_enabled"`
	PrefixFormat  string     `mapstructure:"prefix_format"`
	E2EE          E2EEConfig `mapstructure:"e2ee"`
}

// RoomConfig maps one Matrix room to one mesh channel.
type RoomConfig struct {
	ID                string `mapstructure:"id"`
	MeshtasticChannel int    `mapstructure:"meshtastic_channel"`
	MeshnetName       string `mapstructure:"meshnet_name"`
	BroadcastEnabled  *bool  `mapstructure:"broadcast_enabled"`
}

// InteractionsConfig toggles reply/reaction relaying.
type InteractionsConfig struct {
	Reactions bool `mapstructure:"reactions"`
	Replies   bool `mapstructure:"replies"`
}

// MeshtasticConfig contains connector-specific connection parameters and mesh-side formatting.
type MeshtasticConfig struct {
	Connector        ConnectorType `mapstructure:"connection_type"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	SerialPort       string        `mapstructure:"serial_port"`
	SerialBaud       int           `mapstructure:"serial_baud"`
	BluetoothAddress string        `mapstructure:"ble_address"`
	BluetoothAdapter string        `mapstructure:"ble_adapter"`

	MeshnetName      string `mapstructure:"meshnet_name"`
	BroadcastEnabled bool   `mapstructure:"broadcast_enabled"`
	DetectionSensor  bool   `mapstructure:"detection_sensor"`

	// MessageDelay is expressed in seconds, matching the upstream relay config.
	MessageDelay    float64 `mapstructure:"message_delay"`
	MaxQueueSize    int     `mapstructure:"max_queue_size"`
	MaxMessageBytes int     `mapstructure:"max_message_bytes"`

	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectMaxDelay    time.Duration `mapstructure:"reconnect_max_delay"`

	PrefixEnabled       bool               `mapstructure:"prefix_enabled"`
	PrefixFormat        string             `mapstructure:"prefix_format"`
	MessageInteractions InteractionsConfig `mapstructure:"message_interactions"`
}

// MsgMapConfig bounds the identity map.
type MsgMapConfig struct {
	MaxEntries    int           `mapstructure:"max_entries"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	WipeOnRestart bool          `mapstructure:"wipe_on_restart"`
}

// DatabaseConfig points at the relay sqlite database.
type DatabaseConfig struct {
	Path   string       `mapstructure:"path"`
	MsgMap MsgMapConfig `mapstructure:"msg_map"`
}

// DiagnosticsConfig enables the /metrics and /status HTTP endpoint.
type DiagnosticsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// NotificationConfig stores operator alert preferences.
type NotificationConfig struct {
	Desktop bool `mapstructure:"desktop"`
}

// UpdateCheckConfig controls the periodic release check.
type UpdateCheckConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// AppConfig is the root relay configuration.
type AppConfig struct {
	DataDir       string             `mapstructure:"data_dir"`
	Matrix        MatrixConfig       `mapstructure:"matrix"`
	Rooms         []RoomConfig       `mapstructure:"matrix_rooms"`
	Meshtastic    MeshtasticConfig   `mapstructure:"meshtastic"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Diagnostics   DiagnosticsConfig  `mapstructure:"diagnostics"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	UpdateCheck   UpdateCheckConfig  `mapstructure:"update_check"`
	ShutdownDrain time.Duration      `mapstructure:"shutdown_drain"`
}

func Default() AppConfig {
	return AppConfig{
		Matrix: MatrixConfig{
			DeviceName:    "mmrelay",
			PrefixEnabled: true,
			PrefixFormat:  DefaultMatrixPrefixFormat,
			E2EE: E2EEConfig{
				Enabled: false,
			},
		},
		Meshtastic: MeshtasticConfig{
			Connector:            ConnectorTCP,
			Port:                 DefaultTCPPort,
			SerialBaud:           DefaultSerialBaud,
			MeshnetName:          DefaultMeshnetName,
			BroadcastEnabled:     true,
			MessageDelay:         DefaultMessageDelay,
			MaxQueueSize:         DefaultMaxQueueSize,
			MaxMessageBytes:      DefaultMaxMessageBytes,
			MaxReconnectAttempts: DefaultMaxReconnects,
			ReconnectMaxDelay:    DefaultReconnectMaxDelay,
			PrefixEnabled:        true,
			PrefixFormat:         DefaultMeshPrefixFormat,
		},
		Database: DatabaseConfig{
			MsgMap: MsgMapConfig{
				MaxEntries: DefaultMsgMapMaxEntries,
				MaxAge:     DefaultMsgMapMaxAge,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		UpdateCheck: UpdateCheckConfig{
			Interval: DefaultUpdateCheckInterval,
		},
		ShutdownDrain: DefaultShutdownDrain,
	}
}

// Load reads the YAML config file (if present) and MMRELAY_* environment overrides.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if path != "" {
		cleanPath := filepath.Clean(path)
		if _, err := os.Stat(cleanPath); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return AppConfig{}, fmt.Errorf("config file %s does not exist", cleanPath)
			}

			return AppConfig{}, fmt.Errorf("stat config: %w", err)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return AppConfig{}, fmt.Errorf("read config %s: %w", cleanPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about, so secrets that
// usually live outside the file are bound explicitly.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"data_dir",
		"matrix.homeserver",
		"matrix.bot_user_id",
		"matrix.access_token",
		"matrix.password",
		"matrix.e2ee.pickle_key",
		"meshtastic.connection_type",
		"meshtastic.host",
		"meshtastic.serial_port",
		"meshtastic.ble_address",
		"logging.level",
		"diagnostics.listen_address",
		"update_check.enabled",
	} {
		_ = v.BindEnv(key)
	}
}

func (c *AppConfig) FillMissingDefaults() {
	c.Meshtastic.Connector = normalizeConnector(c.Meshtastic.Connector)
	if c.Meshtastic.Port <= 0 {
		c.Meshtastic.Port = DefaultTCPPort
	}
	if c.Meshtastic.SerialBaud <= 0 {
		c.Meshtastic.SerialBaud = DefaultSerialBaud
	}
	if strings.TrimSpace(c.Meshtastic.MeshnetName) == "" {
		c.Meshtastic.MeshnetName = DefaultMeshnetName
	}
	if c.Meshtastic.MessageDelay < MinMessageDelay {
		c.Meshtastic.MessageDelay = MinMessageDelay
	}
	if c.Meshtastic.MaxQueueSize <= 0 {
		c.Meshtastic.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Meshtastic.MaxMessageBytes <= 0 {
		c.Meshtastic.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.Meshtastic.MaxReconnectAttempts < 0 {
		c.Meshtastic.MaxReconnectAttempts = DefaultMaxReconnects
	}
	if c.Meshtastic.ReconnectMaxDelay <= 0 {
		c.Meshtastic.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if strings.TrimSpace(c.Meshtastic.PrefixFormat) == "" {
		c.Meshtastic.PrefixFormat = DefaultMeshPrefixFormat
	}
	if strings.TrimSpace(c.Matrix.PrefixFormat) == "" {
		c.Matrix.PrefixFormat = DefaultMatrixPrefixFormat
	}
	if strings.TrimSpace(c.Matrix.DeviceName) == "" {
		c.Matrix.DeviceName = "mmrelay"
	}
	c.Matrix.Homeserver = strings.TrimRight(strings.TrimSpace(c.Matrix.Homeserver), "/")
	if c.Database.MsgMap.MaxEntries < 0 {
		c.Database.MsgMap.MaxEntries = 0
	}
	if c.Database.MsgMap.MaxAge < 0 {
		c.Database.MsgMap.MaxAge = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.ShutdownDrain <= 0 {
		c.ShutdownDrain = DefaultShutdownDrain
	}
	if c.UpdateCheck.Interval <= 0 {
		c.UpdateCheck.Interval = DefaultUpdateCheckInterval
	}
	for i := range c.Rooms {
		c.Rooms[i].ID = strings.TrimSpace(c.Rooms[i].ID)
		c.Rooms[i].MeshnetName = strings.TrimSpace(c.Rooms[i].MeshnetName)
	}
}

func normalizeConnector(connector ConnectorType) ConnectorType {
	switch strings.ToLower(strings.TrimSpace(string(connector))) {
	case "serial":
		return ConnectorSerial
	case "ble", "bluetooth":
		return ConnectorBluetooth
	case "tcp", "network", "ip", "":
		return ConnectorTCP
	default:
		return connector
	}
}

func (c AppConfig) Validate() error {
	var errs []error

	switch c.Meshtastic.Connector {
	case ConnectorTCP:
		if strings.TrimSpace(c.Meshtastic.Host) == "" {
			errs = append(errs, errors.New("meshtastic.host is required for tcp connection"))
		}
	case ConnectorSerial:
		if strings.TrimSpace(c.Meshtastic.SerialPort) == "" {
			errs = append(errs, errors.New("meshtastic.serial_port is required for serial connection"))
		}
		if c.Meshtastic.SerialBaud <= 0 {
			errs = append(errs, errors.New("meshtastic.serial_baud must be positive"))
		}
	case ConnectorBluetooth:
		if strings.TrimSpace(c.Meshtastic.BluetoothAddress) == "" {
			errs = append(errs, errors.New("meshtastic.ble_address is required for ble connection"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown meshtastic.connection_type: %q", c.Meshtastic.Connector))
	}

	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver is required"))
	}
	if c.Matrix.E2EE.Enabled && strings.TrimSpace(c.Matrix.E2EE.PickleKey) == "" {
		errs = append(errs, errors.New("matrix.e2ee.pickle_key is required when e2ee is enabled"))
	}
	if c.Meshtastic.MessageDelay < MinMessageDelay {
		errs = append(errs, fmt.Errorf("meshtastic.message_delay must be at least %.1fs", MinMessageDelay))
	}

	if len(c.Rooms) == 0 {
		errs = append(errs, errors.New("matrix_rooms must contain at least one room"))
	}
	seen := make(map[string]struct{}, len(c.Rooms))
	for i, room := range c.Rooms {
		if room.ID == "" {
			errs = append(errs, fmt.Errorf("matrix_rooms[%d].id is required", i))
			continue
		}
		if room.MeshtasticChannel < 0 || room.MeshtasticChannel > MaxChannelIndex {
			errs = append(errs, fmt.Errorf("matrix_rooms[%d].meshtastic_channel must be within 0..%d, got %d", i, MaxChannelIndex, room.MeshtasticChannel))
		}
		if _, dup := seen[room.ID]; dup {
			errs = append(errs, fmt.Errorf("matrix_rooms[%d]: room %s is mapped more than once", i, room.ID))
		}
		seen[room.ID] = struct{}{}
	}

	return errors.Join(errs...)
}

// MessageInterval converts the configured per-channel delay into a duration.
func (m MeshtasticConfig) MessageInterval() time.Duration {
	delay := m.MessageDelay
	if delay < MinMessageDelay {
		delay = MinMessageDelay
	}

	return time.Duration(delay * float64(time.Second))
}

// RoomBroadcastEnabled resolves the per-room override against the global flag.
func (c AppConfig) RoomBroadcastEnabled(room RoomConfig) bool {
	if room.BroadcastEnabled != nil {
		return *room.BroadcastEnabled
	}

	return c.Meshtastic.BroadcastEnabled
}

// RoomMeshnetName resolves the per-room meshnet name against the global one.
func (c AppConfig) RoomMeshnetName(room RoomConfig) string {
	if room.MeshnetName != "" {
		return room.MeshnetName
	}

	return c.Meshtastic.MeshnetName
}
