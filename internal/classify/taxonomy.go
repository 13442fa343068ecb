package classify

import (
	"sort"
	"strings"

	"github.com/mailtriage/mailtriage/internal/config"
)

// Tag is a taxonomy entry presented to the model.
type Tag struct {
	Name        string
	Description string
}

// DefaultTaxonomy is the built-in tag set. Descriptions are written for
// the model, not for humans; keep them one line each.
var DefaultTaxonomy = []Tag{
	{"work", "professional correspondence from colleagues or clients"},
	{"personal", "mail from friends or family, non-commercial"},
	{"finance", "banking, investments, account statements"},
	{"invoice", "a bill or invoice requesting payment"},
	{"receipt", "confirmation of a completed payment or order"},
	{"shopping", "order updates, cart reminders, store offers"},
	{"travel", "flight, hotel, or transport bookings and itineraries"},
	{"newsletter", "recurring editorial content the user subscribed to"},
	{"promotion", "marketing, discounts, product announcements"},
	{"social", "notifications from social networks or forums"},
	{"dev", "code hosting, CI, issue trackers, developer tools"},
	{"alert", "automated system or service alerts"},
	{"security", "login alerts, verification codes, security notices"},
	{"account", "account lifecycle mail: signup, profile, settings changes"},
	{"billing", "subscription charges, payment method issues"},
	{"legal", "contracts, terms-of-service updates, legal notices"},
	{"health", "medical appointments, insurance, pharmacy, fitness"},
	{"education", "courses, schools, learning platforms"},
	{"family", "school, childcare, and family logistics"},
	{"event", "invitations and event announcements"},
	{"meeting", "meeting invites, reschedules, and minutes"},
	{"task", "something the user is asked to do"},
	{"urgent", "time-critical mail needing prompt attention"},
	{"project", "ongoing project threads and status updates"},
	{"support", "customer support tickets and replies"},
	{"job", "job applications, interviews, offers"},
	{"recruiting", "recruiter outreach and hiring pipelines"},
	{"real-estate", "property listings, rent, mortgage"},
	{"insurance", "policies, claims, renewals"},
	{"tax", "tax filings, government revenue correspondence"},
	{"subscription", "subscription lifecycle: renewals, cancellations"},
	{"shipping", "parcel tracking and delivery notifications"},
	{"food", "restaurant orders, delivery, reservations"},
	{"entertainment", "streaming, games, tickets, media"},
	{"spam-suspect", "likely unsolicited bulk mail that slipped through"},
}

// BuildTaxonomy merges the built-in tags with user-defined ones and
// removes exclusions. User entries override built-in descriptions for the
// same name. The result is sorted by name for stable prompts.
func BuildTaxonomy(includeDefaults bool, extra []Tag, exclude []string) []Tag {
	byName := make(map[string]Tag)
	if includeDefaults {
		for _, t := range DefaultTaxonomy {
			byName[t.Name] = t
		}
	}
	for _, t := range extra {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			continue
		}
		byName[name] = Tag{Name: name, Description: t.Description}
	}
	for _, name := range exclude {
		delete(byName, strings.ToLower(strings.TrimSpace(name)))
	}

	out := make([]Tag, 0, len(byName))
	for _, t := range byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TaxonomyFromConfig builds the effective taxonomy from classifier
// configuration.
func TaxonomyFromConfig(ai *config.AIConfig) []Tag {
	extra := make([]Tag, 0, len(ai.Tags))
	for _, t := range ai.Tags {
		extra = append(extra, Tag{Name: t.Name, Description: t.Description})
	}
	return BuildTaxonomy(ai.UseDefaults(), extra, ai.ExcludeTags)
}
