package linknorm

// Reason identifies why input was rejected.
type Reason string

// Rejection reasons.
const (
	ReasonEmpty         Reason = "empty"
	ReasonTooLong       Reason = "too_long"
	ReasonNoLink        Reason = "no_link"
	ReasonMultipleLinks Reason = "multiple_links"
	ReasonExtraText     Reason = "extra_text"
	ReasonScheme        Reason = "bad_scheme"
	ReasonUnsupported   Reason = "unsupported_link"
)

var messages = map[Reason]string{
	ReasonEmpty:         "missing url",
	ReasonTooLong:       "url too long",
	ReasonNoLink:        "paste a full link starting with http:// or https://",
	ReasonMultipleLinks: "only one link per request",
	ReasonExtraText:     "paste exactly one link with no other text",
	ReasonScheme:        "use an http or https link",
	ReasonUnsupported:   "only valid marketplace product links are supported",
}

// Rejection is returned for input that is well-formed text but not an
// acceptable link. Message is safe to show to end users.
type Rejection struct {
	Reason  Reason
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(reason Reason) *Rejection {
	return &Rejection{Reason: reason, Message: messages[reason]}
}
