package messaging

// Topic constants for the settlement messaging system
const (
	TopicSettlements = "mining.settlements" // settlementd → payouts, statsd
)
