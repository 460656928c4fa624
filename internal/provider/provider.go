// Package provider lists the upstream credential-bearing backends the proxy
// server knows about. The set is fixed; order is the order shown in the panel.
package provider

// IDs is the enumerated provider set.
var IDs = []string{
	"gemini",
	"copilot",
	"antigravity",
	"codex",
	"claude",
	"qwen",
	"iflow",
	"kiro",
}

// Known reports whether id is a supported provider.
func Known(id string) bool {
	for _, p := range IDs {
		if p == id {
			return true
		}
	}
	return false
}

// Flag returns the OAuth helper flag for a provider, e.g. "--gemini".
func Flag(id string) string { return "--" + id }
