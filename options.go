package amqp

import (
	"time"

	"github.com/sirupsen/logrus"
)

// defaultFrameMax is the client-preferred frame size offered to the server
// when Options.FrameMax is left at zero; it's generous enough that most
// brokers negotiate down to their own ceiling rather than ours.
const defaultFrameMax uint32 = 131072

// defaultLocale is offered when Options.Locale is empty.
const defaultLocale = "en_US"

// Options recognizes the configuration values spec.md §6 lists.
type Options struct {
	// Auth is the SASL mechanism instance to negotiate with the server.
	Auth Authentication

	// VHost is the virtual host requested in connection.open. Not part of
	// spec.md's enumerated Options list, but required to emit a valid
	// connection.open; see SPEC_FULL.md §3.
	VHost string

	// Locale is the preferred locale string; defaults to "en_US".
	Locale string

	// ChannelMax is the client's channel-max preference; 0 means no
	// preference (let the server's value win).
	ChannelMax uint16

	// FrameMax is the client's frame-max preference, in bytes; must be 0
	// (no preference) or >= 4096.
	FrameMax uint32

	// Heartbeat is the client's heartbeat preference, in seconds; 0
	// disables heartbeats for the lifetime of the connection.
	Heartbeat uint16

	// PollTimeout bounds how long the EventLoop will wait for socket or
	// timer activity before treating the silence as fatal. nil waits
	// forever, which should only be used in tests: spec.md §4.6 treats an
	// empty poll event set as SocketPollTimeout precisely so a stalled
	// handshake can never hang a production caller silently.
	PollTimeout *time.Duration

	// Logger receives the structured, leveled trace this core emits. A nil
	// Logger falls back to a silent, discardWriter-backed entry.
	Logger *logrus.Entry
}

func (o Options) withDefaults() Options {
	if o.Locale == "" {
		o.Locale = defaultLocale
	}
	if o.VHost == "" {
		o.VHost = "/"
	}
	if o.FrameMax == 0 {
		o.FrameMax = defaultFrameMax
	}
	if o.Logger == nil {
		log := logrus.New()
		log.SetOutput(discardWriter{})
		o.Logger = logrus.NewEntry(log)
	}
	return o
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// resolveLocale applies the spec.md §4.4 auth-negotiation precedence: the
// auth mechanism's LocalePreference wins when set, otherwise Options.Locale.
func (o Options) resolveLocale() string {
	if o.Auth != nil {
		if pref := o.Auth.LocalePreference(); pref != "" {
			return pref
		}
	}
	return o.Locale
}
