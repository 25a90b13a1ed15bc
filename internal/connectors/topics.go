package connectors

const (
	TopicConnStatus     = "conn.status"
	TopicSessionStatus  = "session.status"
	TopicNodeInfo       = "node.info"
	TopicRelayEvent     = "relay.event"
	TopicUpdateSnapshot = "update.snapshot"
)
