// Package directory resolves user ids to display names for notification
// text. Lookups are best-effort and never used for authorization.
package directory

import "context"

// FallbackName is used when a uid cannot be resolved.
const FallbackName = "A user"

type Lookup interface {
	DisplayName(ctx context.Context, uid string) string
}

// Static serves names from a fixed map, typically loaded from config.
type Static map[string]string

func (s Static) DisplayName(_ context.Context, uid string) string {
	if name, ok := s[uid]; ok && name != "" {
		return name
	}
	return FallbackName
}
