package config

import "github.com/yawning/veilnet/session"

// ToSessionConstraint converts the TOML-friendly constraint shape into
// the session package's enum form, defaulting to Auto for an empty or
// unrecognized kind.
func (c ExitConstraintConfig) ToSessionConstraint() session.Constraint {
	kind := session.Auto
	switch c.Kind {
	case "direct":
		kind = session.Direct
	case "country":
		kind = session.Country
	case "country_city":
		kind = session.CountryCity
	case "hostname":
		kind = session.Hostname
	}
	return session.Constraint{Kind: kind, Value: c.Value, CC: c.CC, City: c.City}
}
