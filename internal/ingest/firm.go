package ingest

import (
	"strings"

	"github.com/JakeFAU/helpcenter-docstore/internal/canonical"
	"github.com/JakeFAU/helpcenter-docstore/internal/docstore"
)

// FirmInfo derives the firm attributes recorded alongside a batch. When
// domain is empty it is taken from the first document with an absolute URL,
// which also supplies the help center origin.
func FirmInfo(name, domain string, docs []docstore.RawDocument) docstore.FirmInfo {
	info := docstore.FirmInfo{
		Name:   strings.TrimSpace(name),
		Domain: strings.ToLower(strings.TrimSpace(domain)),
	}
	for _, d := range docs {
		origin := canonical.Origin(d.URL)
		if origin == "" {
			continue
		}
		info.HelpCenterURL = origin
		if info.Domain == "" {
			info.Domain = canonical.Host(d.URL)
		}
		break
	}
	if info.Domain != "" {
		info.WebsiteURL = "https://" + info.Domain
	}
	return info
}
