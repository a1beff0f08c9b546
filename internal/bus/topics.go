package bus

import (
	"fmt"
	"strings"
)

// TopicNaming provides canonical topic names.
// Pattern: <domain>.<category>.<entity>
type TopicNaming struct{}

func (TopicNaming) Prices(symbol string) string { return fmt.Sprintf("md.prices.%s", sanitize(symbol)) }
func (TopicNaming) Volatility() string          { return "oracle.volatility" }
func (TopicNaming) Futures(id string) string    { return fmt.Sprintf("settle.futures.%s", sanitize(id)) }
func (TopicNaming) Perps(id string) string      { return fmt.Sprintf("settle.perps.%s", sanitize(id)) }
func (TopicNaming) Variance(epoch uint64) string {
	return fmt.Sprintf("settle.variance.%d", epoch)
}
func (TopicNaming) AuditEventStore() string { return "audit.event_store" }

// Topics is the global topic naming instance.
var Topics = TopicNaming{}

// TopicRetention maps topics to their retention in hours.
var TopicRetention = map[string]int{
	"md.prices.*":         168,
	"oracle.volatility":   2160,
	"settle.futures.*":    8760,
	"settle.perps.*":      8760,
	"settle.variance.*":   8760,
	"audit.event_store":   8760,
}

// AllTopicPrefixes returns all topic prefixes for provisioning.
func AllTopicPrefixes() []string {
	return []string{
		"md.prices",
		"oracle.volatility",
		"settle.futures",
		"settle.perps",
		"settle.variance",
		"audit.event_store",
	}
}

// sanitize maps characters Kafka rejects in topic names to '_'.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
