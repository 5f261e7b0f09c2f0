package mta

import "strings"

// ISPDomains maps ISP names to their associated recipient domains. Pacing
// defaults are assigned per ISP rather than per raw domain because the big
// providers enforce limits across all of their domains collectively.
var ISPDomains = map[string][]string{
	"gmail":     {"gmail.com", "googlemail.com"},
	"microsoft": {"outlook.com", "hotmail.com", "live.com", "msn.com", "hotmail.co.uk", "live.co.uk"},
	"yahoo":     {"yahoo.com", "ymail.com", "aol.com", "rocketmail.com", "yahoo.co.uk", "yahoo.fr"},
	"apple":     {"icloud.com", "me.com", "mac.com"},
}

var domainToISP = buildDomainToISP()

func buildDomainToISP() map[string]string {
	m := make(map[string]string)
	for isp, domains := range ISPDomains {
		for _, d := range domains {
			m[d] = isp
		}
	}
	return m
}

// ISPForDomain returns the ISP group for a recipient domain, or "other".
func ISPForDomain(domain string) string {
	if isp, ok := domainToISP[strings.ToLower(domain)]; ok {
		return isp
	}
	return "other"
}

// PacingLimit is the default submission pacing for one ISP group.
type PacingLimit struct {
	RatePerMinute int
	Burst         int
}

// DefaultPacing holds conservative per-ISP submission pacing defaults.
var DefaultPacing = map[string]PacingLimit{
	"gmail":     {RatePerMinute: 120, Burst: 30},
	"microsoft": {RatePerMinute: 80, Burst: 20},
	"yahoo":     {RatePerMinute: 60, Burst: 15},
	"apple":     {RatePerMinute: 60, Burst: 15},
	"other":     {RatePerMinute: 100, Burst: 25},
}

// PacingForDomain returns the pacing defaults for a recipient domain.
func PacingForDomain(domain string) PacingLimit {
	if p, ok := DefaultPacing[ISPForDomain(domain)]; ok {
		return p
	}
	return DefaultPacing["other"]
}
