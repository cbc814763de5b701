package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// ConnectionType identifies which radio transport backend should be used.
type ConnectionType string

const (
	ConnectionSerial ConnectionType = "serial"
	ConnectionBLE    ConnectionType = "ble"
	ConnectionTCP    ConnectionType = "tcp"

	DefaultSerialBaud = 115200
	DefaultTCPPort    = 5000
)

// ConnectionConfig contains transport-specific connection parameters.
// Changing any of these requires a restart; Reload rejects them.
type ConnectionConfig struct {
	Type       ConnectionType
	SerialPort string
	SerialBaud int
	Host       string
	Port       int
	BLEAddress string
	TimeoutSec int
}

// BotConfig is the [Bot] section.
type BotConfig struct {
	Name          string
	CommandPrefix string
	RespondToDMs  bool

	RateLimitSeconds        float64
	PerUserRateLimitSeconds float64
	PerUserRateLimitEnabled bool
	MaxUserRateEntries      int
	BotTxRateLimitSeconds   float64
	TxDelayMs               int

	ChannelRetryEnabled     bool
	ChannelRetryMaxAttempts int
	ChannelRetryEchoWindow  float64

	AdvertIntervalHours float64
	AutoManageContacts  string // device, bot or false
	MaxDeviceContacts   int

	DBPath string

	RFDataTimeoutSec          float64
	MessageCorrelationTimeout float64
	ServiceRestartBackoffSec  float64
	MeshGraphRecencyDays      int

	Latitude  float64
	Longitude float64
}

// ChannelsConfig is the [Channels] section.
type ChannelsConfig struct {
	MonitorChannels []string
	ChannelKeywords []string
}

// LoggingConfig is the [Logging] section.
type LoggingConfig struct {
	Level     string
	LogToFile bool
	LogFile   string
}

// LocalizationConfig is the [Localization] section.
type LocalizationConfig struct {
	Language        string
	TranslationPath string
}

// CommandSection carries the option block of a *_Command section.
type CommandSection map[string]string

// Config is the fully parsed bot configuration.
type Config struct {
	Path string

	Connection   ConnectionConfig
	Bot          BotConfig
	Channels     ChannelsConfig
	Logging      LoggingConfig
	Localization LocalizationConfig

	AdminPubkeys      []string
	BannedUsers       []string
	Keywords          map[string]string
	CustomSyntax      map[string]string
	ScheduledMessages map[string]string // HHMM -> "channel:text"
	PluginOverrides   map[string]string
	CommandSections   map[string]CommandSection

	// Raw sections kept for the validator and for plugins that read their
	// own option blocks.
	sections map[string]map[string]string
}

var requiredSections = []string{"Connection", "Bot", "Channels"}

// Load reads and parses the INI config file. Missing required sections are
// a startup failure; everything else falls back to defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	file, err := ini.Load(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Path:              cleanPath,
		Keywords:          map[string]string{},
		CustomSyntax:      map[string]string{},
		ScheduledMessages: map[string]string{},
		PluginOverrides:   map[string]string{},
		CommandSections:   map[string]CommandSection{},
		sections:          map[string]map[string]string{},
	}

	for _, sec := range file.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}
		kv := map[string]string{}
		for _, key := range sec.Keys() {
			kv[key.Name()] = stripQuotes(key.Value())
		}
		cfg.sections[sec.Name()] = kv
	}

	for _, name := range requiredSections {
		if _, ok := cfg.sections[name]; !ok {
			return nil, fmt.Errorf("missing required config section [%s]", name)
		}
	}

	cfg.fillFromSections()

	return cfg, nil
}

// Reload parses the file again. Any [Connection] change is rejected with a
// descriptive error and the receiver is left untouched.
func (c *Config) Reload() (*Config, error) {
	fresh, err := Load(c.Path)
	if err != nil {
		return nil, fmt.Errorf("reload config: %w", err)
	}
	if fresh.Connection != c.Connection {
		return nil, errors.New("reload rejected: [Connection] settings changed, restart required")
	}
	return fresh, nil
}

// Section returns the raw key/value options of a named section.
func (c *Config) Section(name string) (map[string]string, bool) {
	kv, ok := c.sections[name]
	return kv, ok
}

// SectionNames lists every section present in the file.
func (c *Config) SectionNames() []string {
	out := make([]string, 0, len(c.sections))
	for name := range c.sections {
		out = append(out, name)
	}
	return out
}

func (c *Config) fillFromSections() {
	conn := c.sections["Connection"]
	c.Connection = ConnectionConfig{
		Type:       ConnectionType(strings.ToLower(getStr(conn, "type", "serial"))),
		SerialPort: getStr(conn, "serial_port", ""),
		SerialBaud: getInt(conn, "serial_baud", DefaultSerialBaud),
		Host:       getStr(conn, "host", ""),
		Port:       getInt(conn, "port", DefaultTCPPort),
		BLEAddress: getStr(conn, "ble_address", ""),
		TimeoutSec: getInt(conn, "timeout", 30),
	}

	bot := c.sections["Bot"]
	c.Bot = BotConfig{
		Name:          getStr(bot, "name", "MeshBot"),
		CommandPrefix: getRaw(bot, "command_prefix", ""),
		RespondToDMs:  getBool(bot, "respond_to_dms", true),

		RateLimitSeconds:        getFloat(bot, "rate_limit_seconds", 3),
		PerUserRateLimitSeconds: getFloat(bot, "per_user_rate_limit_seconds", 10),
		PerUserRateLimitEnabled: getBool(bot, "per_user_rate_limit_enabled", true),
		MaxUserRateEntries:      getInt(bot, "max_user_rate_entries", 1000),
		BotTxRateLimitSeconds:   getFloat(bot, "bot_tx_rate_limit_seconds", 2),
		TxDelayMs:               getInt(bot, "tx_delay_ms", 0),

		ChannelRetryEnabled:     getBool(bot, "channel_retry_enabled", false),
		ChannelRetryMaxAttempts: getInt(bot, "channel_retry_max_attempts", 1),
		ChannelRetryEchoWindow:  getFloat(bot, "channel_retry_echo_window", 10),

		AdvertIntervalHours: getFloat(bot, "advert_interval_hours", 0),
		AutoManageContacts:  strings.ToLower(getStr(bot, "auto_manage_contacts", "false")),
		MaxDeviceContacts:   getInt(bot, "max_device_contacts", 200),

		DBPath: getStr(bot, "db_path", "meshcore-bot.db"),

		RFDataTimeoutSec:          getFloat(bot, "rf_data_timeout", 15),
		MessageCorrelationTimeout: getFloat(bot, "message_correlation_timeout", 10),
		ServiceRestartBackoffSec:  getFloat(bot, "service_restart_backoff_seconds", 300),
		MeshGraphRecencyDays:      getInt(bot, "mesh_graph_recency_days", 7),

		Latitude:  getFloat(bot, "latitude", 0),
		Longitude: getFloat(bot, "longitude", 0),
	}

	chans := c.sections["Channels"]
	c.Channels = ChannelsConfig{
		MonitorChannels: splitList(getStr(chans, "monitor_channels", "")),
		ChannelKeywords: splitList(getStr(chans, "channel_keywords", "")),
	}

	if kv, ok := c.sections["Logging"]; ok {
		c.Logging = LoggingConfig{
			Level:     getStr(kv, "level", "info"),
			LogToFile: getBool(kv, "log_to_file", false),
			LogFile:   getStr(kv, "log_file", "meshcore-bot.log"),
		}
	} else {
		c.Logging = LoggingConfig{Level: "info", LogFile: "meshcore-bot.log"}
	}

	if kv, ok := c.sections["Localization"]; ok {
		c.Localization = LocalizationConfig{
			Language:        getStr(kv, "language", "en"),
			TranslationPath: getStr(kv, "translation_path", "translations/"),
		}
	} else {
		c.Localization = LocalizationConfig{Language: "en", TranslationPath: "translations/"}
	}

	if kv, ok := c.sections["Admin_ACL"]; ok {
		c.AdminPubkeys = splitList(getStr(kv, "admin_pubkeys", ""))
	}
	if kv, ok := c.sections["Banned_Users"]; ok {
		c.BannedUsers = splitList(getStr(kv, "banned_users", ""))
	}
	if kv, ok := c.sections["Keywords"]; ok {
		for k, v := range kv {
			c.Keywords[k] = v
		}
	}
	if kv, ok := c.sections["Custom_Syntax"]; ok {
		for k, v := range kv {
			c.CustomSyntax[k] = v
		}
	}
	if kv, ok := c.sections["Scheduled_Messages"]; ok {
		for k, v := range kv {
			c.ScheduledMessages[k] = v
		}
	}
	if kv, ok := c.sections["Plugin_Overrides"]; ok {
		for k, v := range kv {
			c.PluginOverrides[k] = v
		}
	}
	for name, kv := range c.sections {
		if strings.HasSuffix(name, "_Command") {
			c.CommandSections[strings.TrimSuffix(name, "_Command")] = CommandSection(kv)
		}
	}
}

// stripQuotes removes one layer of matched single or double quotes.
func stripQuotes(v string) string {
	if len(v) >= 2 {
		first, last := v[0], v[len(v)-1]
		if first == last && (first == '"' || first == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getRaw(kv map[string]string, key, def string) string {
	if v, ok := kv[key]; ok {
		return v
	}
	return def
}

func getStr(kv map[string]string, key, def string) string {
	if v, ok := kv[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func getInt(kv map[string]string, key string, def int) int {
	v, ok := kv[key]
	if !ok {
		return def
	}
	var out int
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &out); err != nil {
		return def
	}
	return out
}

func getFloat(kv map[string]string, key string, def float64) float64 {
	v, ok := kv[key]
	if !ok {
		return def
	}
	var out float64
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &out); err != nil {
		return def
	}
	return out
}

func getBool(kv map[string]string, key string, def bool) bool {
	v, ok := kv[key]
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	default:
		return def
	}
}
