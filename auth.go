package amqp

// Authentication is the SASL mechanism abstraction spec.md §6 requires:
// a name, an optional locale preference, and a response generator. It
// mirrors the teacher's Authentication interface (its concrete PlainAuth
// lives in uri.go there; here PLAIN and EXTERNAL are both first-class).
type Authentication interface {
	// Mechanism is the SASL mechanism name advertised in start-ok, e.g.
	// "PLAIN" or "EXTERNAL".
	Mechanism() string

	// LocalePreference optionally overrides Options.Locale. Return "" to
	// defer to Options.Locale.
	LocalePreference() string

	// Response computes the start-ok response. This client never performs
	// a secure/secure-ok challenge round, so the server challenge is
	// always empty for the mechanisms it supports; the parameter exists
	// to keep the interface honest about the protocol's shape.
	Response(serverChallenge string) string
}

// PlainAuth implements SASL PLAIN: a null-separated authzid/username/password
// triple sent as the single initial response.
type PlainAuth struct {
	Username string
	Password string
}

func (PlainAuth) Mechanism() string         { return "PLAIN" }
func (PlainAuth) LocalePreference() string  { return "" }
func (a PlainAuth) Response(string) string {
	return "\x00" + a.Username + "\x00" + a.Password
}

// ExternalAuth implements SASL EXTERNAL: authentication is established by
// the transport (e.g. a client TLS certificate), so the response is empty.
type ExternalAuth struct{}

func (ExternalAuth) Mechanism() string        { return "EXTERNAL" }
func (ExternalAuth) LocalePreference() string { return "" }
func (ExternalAuth) Response(string) string   { return "" }
