// Package config loads connector configuration from an INI file plus
// environment variable overrides, the same two-layer approach this
// project's collector configuration uses in read.go. Settings produced here
// are plain data; translating them into dbconnector.Option values is the
// root package's job, which keeps this package free of any dependency on
// it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-ini/ini"
	"github.com/sirupsen/logrus"

	"github.com/pganalyze/dbconnector/instance"
)

// fallbackLogger is used for warnings about malformed configuration
// encountered before a caller-supplied Logger even exists.
var fallbackLogger = logrus.New()

// DefaultHandshakeTimeout bounds how long one Dial call may spend on the
// TCP connect plus TLS handshake.
const DefaultHandshakeTimeout = 30 * time.Second

// Settings holds every value LoadDefaultOptions can derive from an INI file
// or the environment. Zero values mean "use the built-in default."
type Settings struct {
	AdminAPIEndpoint string
	UniverseDomain   string
	QuotaProject     string
	UserAgent        string
	IPKindPreference []instance.IPKind
	EnableIAMAuthN   bool
	LazyRefresh      bool
	HandshakeTimeout time.Duration
}

// section is the shape Settings is mapped from via ini.MapTo; ini's struct
// tags mirror the [dbconnector] section's key names.
type section struct {
	AdminAPIEndpoint string `ini:"admin_api_endpoint"`
	UniverseDomain   string `ini:"universe_domain"`
	QuotaProject     string `ini:"quota_project"`
	UserAgent        string `ini:"user_agent"`
	IPKindPreference string `ini:"ip_kind_preference"`
	EnableIAMAuthN   bool   `ini:"enable_iam_authn"`
	RefreshStrategy  string `ini:"refresh_strategy"`
	HandshakeTimeout string `ini:"handshake_timeout"`
}

// LoadDefaultOptions reads path (an INI file; a missing file is not an
// error) and layers DBCONNECTOR_*-prefixed environment variables on top,
// the way this project's own config.Read layers PGA_*-prefixed variables
// over an INI-file default. Malformed ip_kind_preference and
// handshake_timeout values, from either layer, are logged as warnings and
// skipped rather than failing the whole load. A DBCONNECTOR_ENABLE_IAM_AUTHN
// value that is not a boolean is skipped without a warning, and any refresh
// strategy other than LAZY (case-insensitive) selects background refresh.
func LoadDefaultOptions(path string) (*Settings, error) {
	s := &Settings{
		HandshakeTimeout: DefaultHandshakeTimeout,
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			cfg, err := ini.Load(path)
			if err != nil {
				return nil, fmt.Errorf("loading config file %q: %w", path, err)
			}
			var sec section
			if err := cfg.Section("dbconnector").MapTo(&sec); err != nil {
				return nil, fmt.Errorf("mapping [dbconnector] section: %w", err)
			}
			applySection(s, sec)
		}
	}

	applyEnv(s)

	if len(s.IPKindPreference) == 0 {
		s.IPKindPreference = []instance.IPKind{instance.PublicIP}
	}
	return s, nil
}

func applySection(s *Settings, sec section) {
	if sec.AdminAPIEndpoint != "" {
		s.AdminAPIEndpoint = sec.AdminAPIEndpoint
	}
	if sec.UniverseDomain != "" {
		s.UniverseDomain = sec.UniverseDomain
	}
	if sec.QuotaProject != "" {
		s.QuotaProject = sec.QuotaProject
	}
	if sec.UserAgent != "" {
		s.UserAgent = sec.UserAgent
	}
	if sec.IPKindPreference != "" {
		if pref, err := parseIPKindPreference(sec.IPKindPreference); err != nil {
			fallbackLogger.Warnf("ignoring invalid ip_kind_preference %q: %v", sec.IPKindPreference, err)
		} else {
			s.IPKindPreference = pref
		}
	}
	s.EnableIAMAuthN = sec.EnableIAMAuthN
	if sec.RefreshStrategy != "" {
		s.LazyRefresh = strings.EqualFold(sec.RefreshStrategy, "LAZY")
	}
	if sec.HandshakeTimeout != "" {
		if d, err := time.ParseDuration(sec.HandshakeTimeout); err != nil {
			fallbackLogger.Warnf("ignoring invalid handshake_timeout %q: %v", sec.HandshakeTimeout, err)
		} else {
			s.HandshakeTimeout = d
		}
	}
}

func applyEnv(s *Settings) {
	if v := os.Getenv("DBCONNECTOR_ADMIN_API_ENDPOINT"); v != "" {
		s.AdminAPIEndpoint = v
	}
	if v := os.Getenv("DBCONNECTOR_UNIVERSE_DOMAIN"); v != "" {
		s.UniverseDomain = v
	}
	if v := os.Getenv("DBCONNECTOR_QUOTA_PROJECT"); v != "" {
		s.QuotaProject = v
	}
	if v := os.Getenv("DBCONNECTOR_USER_AGENT"); v != "" {
		s.UserAgent = v
	}
	if v := os.Getenv("DBCONNECTOR_IP_KIND_PREFERENCE"); v != "" {
		if pref, err := parseIPKindPreference(v); err != nil {
			fallbackLogger.Warnf("ignoring invalid DBCONNECTOR_IP_KIND_PREFERENCE %q: %v", v, err)
		} else {
			s.IPKindPreference = pref
		}
	}
	if v := os.Getenv("DBCONNECTOR_ENABLE_IAM_AUTHN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.EnableIAMAuthN = b
		}
	}
	if v := os.Getenv("DBCONNECTOR_REFRESH_STRATEGY"); v != "" {
		s.LazyRefresh = strings.EqualFold(v, "LAZY")
	}
	if v := os.Getenv("DBCONNECTOR_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err != nil {
			fallbackLogger.Warnf("ignoring invalid DBCONNECTOR_HANDSHAKE_TIMEOUT %q: %v", v, err)
		} else {
			s.HandshakeTimeout = d
		}
	}
}

func parseIPKindPreference(v string) ([]instance.IPKind, error) {
	parts := strings.Split(v, ",")
	out := make([]instance.IPKind, 0, len(parts))
	for _, p := range parts {
		kind, err := instance.ParseIPKind(p)
		if err != nil {
			return nil, err
		}
		out = append(out, kind)
	}
	return out, nil
}
