package provider

import (
	"strings"
)

// Family identifies which request shape a model accepts.
type Family string

const (
	// FamilyResponses models are served through the Responses API.
	FamilyResponses Family = "responses"
	// FamilyChatCompletions models are served through Chat Completions.
	FamilyChatCompletions Family = "chat_completions"
)

// Profile describes what a model family supports. It is derived from the
// model identifier alone and never persisted.
type Profile struct {
	Family                Family `json:"family"`
	SupportsTemperature   bool   `json:"supports_temperature"`
	SupportsUsageInStream bool   `json:"supports_usage_in_stream"`
}

var (
	responsesProfile = Profile{
		Family:                FamilyResponses,
		SupportsTemperature:   false,
		SupportsUsageInStream: false,
	}
	chatCompletionsProfile = Profile{
		Family:                FamilyChatCompletions,
		SupportsTemperature:   true,
		SupportsUsageInStream: true,
	}
)

// FamilyRule maps a case-insensitive model prefix to a profile.
type FamilyRule struct {
	Prefix  string
	Profile Profile
}

// DefaultFamilyTable lists the reasoning-family prefixes. New families are
// added here, not as branches in Classify.
var DefaultFamilyTable = []FamilyRule{
	{Prefix: "o1", Profile: responsesProfile},
	{Prefix: "o3", Profile: responsesProfile},
	{Prefix: "o4", Profile: responsesProfile},
	{Prefix: "gpt-4o", Profile: responsesProfile},
	{Prefix: "gpt-5", Profile: responsesProfile},
	{Prefix: "codex", Profile: responsesProfile},
}

// Resolver classifies model identifiers. A Resolver is immutable and safe
// for concurrent use.
type Resolver struct {
	rules    []FamilyRule
	fallback Profile
}

// NewResolver creates a resolver over DefaultFamilyTable followed by extra.
func NewResolver(extra ...FamilyRule) *Resolver {
	rules := make([]FamilyRule, 0, len(DefaultFamilyTable)+len(extra))
	for _, set := range [][]FamilyRule{DefaultFamilyTable, extra} {
		for _, r := range set {
			r.Prefix = strings.ToLower(strings.TrimSpace(r.Prefix))
			if r.Prefix == "" {
				continue
			}
			rules = append(rules, r)
		}
	}
	return &Resolver{rules: rules, fallback: chatCompletionsProfile}
}

// ResponsesRules turns configured prefixes into Responses-family rules.
func ResponsesRules(prefixes []string) []FamilyRule {
	rules := make([]FamilyRule, 0, len(prefixes))
	for _, p := range prefixes {
		rules = append(rules, FamilyRule{Prefix: p, Profile: responsesProfile})
	}
	return rules
}

// Classify returns the capability profile for a model. It never fails:
// unknown and empty identifiers get the Chat Completions profile.
func (r *Resolver) Classify(model string) Profile {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return r.fallback
	}
	for _, rule := range r.rules {
		if strings.HasPrefix(m, rule.Prefix) {
			return rule.Profile
		}
	}
	return r.fallback
}

var defaultResolver = NewResolver()

// Classify uses the default family table.
func Classify(model string) Profile {
	return defaultResolver.Classify(model)
}
