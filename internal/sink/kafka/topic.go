package kafka

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vitaliisemenov/cdc-bridge/internal/core"
)

// topicCacheSize bounds the resolved-topic cache; far above any realistic
// table count, it only guards against unbounded growth on misconfiguration.
const topicCacheSize = 1024

// TopicResolver substitutes {database} and {table} in the configured topic
// template and caches the result per table.
type TopicResolver struct {
	pattern string
	cache   *lru.Cache[core.TableIdentifier, string]
}

// NewTopicResolver builds a resolver for the given template. The template is
// validated by the configuration aggregate before it reaches this point.
func NewTopicResolver(pattern string) *TopicResolver {
	cache, _ := lru.New[core.TableIdentifier, string](topicCacheSize)
	return &TopicResolver{pattern: pattern, cache: cache}
}

// Resolve returns the destination topic for a table.
func (r *TopicResolver) Resolve(table core.TableIdentifier) string {
	if topic, ok := r.cache.Get(table); ok {
		return topic
	}

	topic := strings.NewReplacer(
		"{database}", sanitizeTopicPart(table.Database),
		"{table}", sanitizeTopicPart(table.Table),
	).Replace(r.pattern)

	r.cache.Add(table, topic)
	return topic
}

// sanitizeTopicPart deterministically replaces identifier characters that
// are invalid in the broker namespace with '_'. Valid: [a-zA-Z0-9._-].
func sanitizeTopicPart(part string) string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			return c
		default:
			return '_'
		}
	}, part)
}
