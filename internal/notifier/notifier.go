// Package notifier defines the out-of-band delivery channel for
// recovery codes: e-mail, SMS or an upstream webhook.
package notifier

// Notifier is an interface for a generic messaging backend.
type Notifier interface {
	// ID returns the name of the Notifier.
	ID() string

	// ChannelName returns the name of the channel the notifier
	// delivers on, for example "SMS" or "E-mail".
	ChannelName() string

	// ValidateAddress validates the 'to' address the Notifier is
	// supposed to deliver to, for instance an e-mail or a phone
	// number.
	ValidateAddress(to string) error

	// Push sends a rendered message to the given address. Depending
	// on the implementation this either sends immediately or queues.
	Push(to, subject string, body []byte) error

	// MaxBodyLen returns the maximum permitted length of the text
	// that can be sent by the Notifier.
	MaxBodyLen() int
}
