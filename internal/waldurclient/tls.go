package waldurclient

import "crypto/tls"

// insecureTLSConfig backs the offering-level verify_ssl: false escape hatch
// (spec.md §6 config schema). Never the default.
func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in per offering
}
