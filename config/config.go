package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailgate/mailgate/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // stderr, stdout, syslog, or a file path
	Format string `toml:"format"` // console or json
	Level  string `toml:"level"`  // debug, info, warn, error
}

// IMAPConfig holds the mailbox the gateway reads from.
type IMAPConfig struct {
	Addr               string `toml:"addr"`
	TLS                bool   `toml:"tls"`
	StartTLS           bool   `toml:"starttls"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Username           string `toml:"username"`
	Password           string `toml:"password"`
	Mailbox            string `toml:"mailbox"`
	ClientID           string `toml:"client_id"`
	IdleTimeout        string `toml:"idle_timeout"`
	BatchLimit         int    `toml:"batch_limit"`
	BootstrapMarkAll   bool   `toml:"bootstrap_mark_all"`
	RetryInitial       string `toml:"retry_initial"`
	RetryMax           string `toml:"retry_max"`
	DumpProtocol       bool   `toml:"dump_protocol"`
}

// GetIdleTimeoutWithDefault returns how long a single IDLE may last before it is
// renewed. Servers drop idlers after 30 minutes, so the default stays below that.
func (c *IMAPConfig) GetIdleTimeoutWithDefault() time.Duration {
	return durationWithDefault(c.IdleTimeout, 28*time.Minute)
}

// GetRetryInitialWithDefault returns the first restart delay after a sync failure
func (c *IMAPConfig) GetRetryInitialWithDefault() time.Duration {
	return durationWithDefault(c.RetryInitial, time.Second)
}

// GetRetryMaxWithDefault returns the upper bound for restart delays
func (c *IMAPConfig) GetRetryMaxWithDefault() time.Duration {
	return durationWithDefault(c.RetryMax, 2*time.Minute)
}

// SMTPConfig holds the outgoing mail relay.
type SMTPConfig struct {
	Addr                    string `toml:"addr"`
	TLS                     bool   `toml:"tls"`
	StartTLS                bool   `toml:"starttls"`
	TLSVerify               bool   `toml:"tls_verify"`
	Username                string `toml:"username"`
	Password                string `toml:"password"`
	FromAddress             string `toml:"from_address"`
	CircuitBreakerThreshold int    `toml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   string `toml:"circuit_breaker_timeout"`
}

// GetCircuitBreakerTimeoutWithDefault returns how long the breaker stays open
func (c *SMTPConfig) GetCircuitBreakerTimeoutWithDefault() time.Duration {
	return durationWithDefault(c.CircuitBreakerTimeout, 30*time.Second)
}

// XMPPConfig holds the component connection to the XMPP server.
type XMPPConfig struct {
	ComponentJID    string `toml:"component_jid"`
	ServerAddr      string `toml:"server_addr"`
	Secret          string `toml:"secret"`
	DiscoName       string `toml:"disco_name"`
	ProcessTimeout  string `toml:"process_timeout"`
	ReconnectDelay  string `toml:"reconnect_delay"`
	ConnectAttempts int    `toml:"connect_attempts"`
	SendTimeout     string `toml:"send_timeout"`
	DumpProtocol    bool   `toml:"dump_protocol"`
}

// GetProcessTimeoutWithDefault returns the control loop tick
func (c *XMPPConfig) GetProcessTimeoutWithDefault() time.Duration {
	return durationWithDefault(c.ProcessTimeout, 5*time.Second)
}

// GetReconnectDelayWithDefault returns the pause between connection attempts
func (c *XMPPConfig) GetReconnectDelayWithDefault() time.Duration {
	return durationWithDefault(c.ReconnectDelay, 5*time.Second)
}

// GetSendTimeoutWithDefault returns how long Send waits for the session to come online
func (c *XMPPConfig) GetSendTimeoutWithDefault() time.Duration {
	return durationWithDefault(c.SendTimeout, 30*time.Second)
}

// BridgeConfig controls how messages are converted between the two sides.
type BridgeConfig struct {
	TargetJID          string   `toml:"target_jid"`
	PreferredFormat    string   `toml:"preferred_format"` // plaintext, html2text, html
	PrependHeaders     []string `toml:"prepend_headers"`
	PreparseHeaders    []string `toml:"preparse_headers"`
	HTMLLinksInnerText bool     `toml:"html_links_inner_text"`
	HTMLUnixLineBreaks bool     `toml:"html_unix_line_breaks"`
	HTMLListSupport    bool     `toml:"html_list_support"`
	HTMLStrip          bool     `toml:"html_strip"`
}

// StateConfig holds the location of the persisted sync watermark.
type StateConfig struct {
	Path       string `toml:"path"`
	FlushDelay string `toml:"flush_delay"`
}

// GetFlushDelayWithDefault returns the write coalescing window
func (c *StateConfig) GetFlushDelayWithDefault() time.Duration {
	return durationWithDefault(c.FlushDelay, 5*time.Second)
}

// FilterConfig enables an optional Sieve script run against every incoming mail.
type FilterConfig struct {
	ScriptPath string   `toml:"script_path"`
	Extensions []string `toml:"extensions"`
}

// StatusConfig holds the HTTP status endpoint.
type StatusConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	AllowedHosts []string `toml:"allowed_hosts"` // IPs or CIDRs; empty allows all
}

// Config holds all configuration for the gateway.
type Config struct {
	PIDFile string        `toml:"pid_file"`
	Logging LoggingConfig `toml:"logging"`
	IMAP    IMAPConfig    `toml:"imap"`
	SMTP    SMTPConfig    `toml:"smtp"`
	XMPP    XMPPConfig    `toml:"xmpp"`
	Bridge  BridgeConfig  `toml:"bridge"`
	State   StateConfig   `toml:"state"`
	Filter  FilterConfig  `toml:"filter"`
	Status  StatusConfig  `toml:"status"`
}

// DefaultFilterExtensions lists the Sieve extensions enabled when none are configured.
var DefaultFilterExtensions = []string{
	"fileinto", "envelope", "copy", "variables", "imap4flags",
	"relational", "comparator-i;ascii-numeric", "regex",
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		IMAP: IMAPConfig{
			Addr:         "imap.gmail.com:993",
			TLS:          true,
			Mailbox:      "INBOX",
			ClientID:     "mgw1",
			IdleTimeout:  "28m",
			BatchLimit:   3,
			RetryInitial: "1s",
			RetryMax:     "2m",
		},
		SMTP: SMTPConfig{
			Addr:                    "smtp.gmail.com:587",
			StartTLS:                true,
			TLSVerify:               true,
			CircuitBreakerThreshold: 5,
			CircuitBreakerTimeout:   "30s",
		},
		XMPP: XMPPConfig{
			ServerAddr:      "127.0.0.1:5347",
			DiscoName:       "Mail Transport",
			ProcessTimeout:  "5s",
			ReconnectDelay:  "5s",
			ConnectAttempts: 3,
			SendTimeout:     "30s",
		},
		Bridge: BridgeConfig{
			PreferredFormat:    "plaintext",
			PrependHeaders:     []string{},
			PreparseHeaders:    []string{"subject"},
			HTMLLinksInnerText: true,
			HTMLUnixLineBreaks: true,
			HTMLListSupport:    true,
			HTMLStrip:          true,
		},
		State: StateConfig{
			Path:       "mailgate-state.json",
			FlushDelay: "5s",
		},
		Filter: FilterConfig{
			Extensions: append([]string(nil), DefaultFilterExtensions...),
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:9465",
		},
	}
}

// LoadConfigFromFile decodes the TOML file at configPath on top of cfg.
// Keys absent from the file keep their current values.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	// Unknown keys are usually typos; they are reported but not fatal.
	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
		log.Printf("WARNING: These keys may be typos or deprecated settings. Please review your configuration.")
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func durationWithDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := helpers.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// enhanceConfigError adds a hint to common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check:\n"+
			"  - All strings are properly quoted\n"+
			"  - All brackets and braces are balanced\n"+
			"  - Section headers use [section] format\n"+
			"  - Durations are quoted strings such as \"5s\" or \"28m\"", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))

	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			elem := v.Index(i)
			if elem.Kind() == reflect.String {
				elem.SetString(strings.TrimSpace(elem.String()))
			} else {
				trimStringFields(elem)
			}
		}

	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			field := v.Field(i)
			if field.CanSet() {
				trimStringFields(field)
			}
		}

	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
