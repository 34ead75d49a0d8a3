package dbconnector

import (
	"github.com/pganalyze/dbconnector/config"
)

// OptionsFromSettings translates parsed configuration into the Option
// values NewConnector expects. Splitting config loading (which knows
// nothing about Connector) from this translation (which does) keeps the
// config package free of a dependency on the root package.
func OptionsFromSettings(s *config.Settings) []Option {
	var opts []Option
	if s.AdminAPIEndpoint != "" {
		opts = append(opts, WithAdminAPIEndpoint(s.AdminAPIEndpoint))
	}
	if s.UniverseDomain != "" {
		opts = append(opts, WithUniverseDomain(s.UniverseDomain))
	}
	if s.QuotaProject != "" {
		opts = append(opts, WithQuotaProject(s.QuotaProject))
	}
	if s.UserAgent != "" {
		opts = append(opts, WithUserAgent(s.UserAgent))
	}
	if len(s.IPKindPreference) > 0 {
		opts = append(opts, WithIPKindPreference(s.IPKindPreference...))
	}
	if s.HandshakeTimeout > 0 {
		opts = append(opts, WithHandshakeTimeout(s.HandshakeTimeout))
	}
	if s.EnableIAMAuthN {
		opts = append(opts, WithIAMAuthN())
	}
	if s.LazyRefresh {
		opts = append(opts, WithLazyRefresh())
	}
	return opts
}
