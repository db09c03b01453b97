package mail

import "context"

type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
}

// Mailer is the outbound provider seam. Send returns the provider message
// id when the provider supplies one.
type Mailer interface {
	Send(ctx context.Context, msg Message) (providerMessageID *string, err error)
}
