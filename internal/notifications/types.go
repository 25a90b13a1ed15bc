package notifications

// Payload is one operator alert.
type Payload struct {
	Title   string
	Content string
	// Urgent marks alerts that need an operator before relaying can resume.
	Urgent bool
}

// Sender delivers alerts. Send is called from bus consumers and must return quickly.
type Sender interface {
	Send(payload Payload)
}
