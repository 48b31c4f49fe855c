// Package response classifies raw Bing Chat reply payloads.
//
// A raw payload is an untrusted, loosely structured JSON document. Classify
// reduces it to a closed set of outcomes, ordered by severity, and the typed
// accessors extract content fields after the fact. Classification never
// fails; accessors fail with ErrMalformed when a field the outcome implies
// should exist is missing, which is a contract violation rather than a
// backend oddity.
package response

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/tidwall/gjson"
)

// Outcome is the classified category of a backend reply
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeThrottled         Outcome = "throttled"
	OutcomeInvalidSession    Outcome = "invalid_session"
	OutcomeConversationLimit Outcome = "conversation_limit"
	OutcomeOffensive         Outcome = "offensive"
	OutcomeHiddenSensitive   Outcome = "hidden_sensitive"
	OutcomeUnknown           Outcome = "unknown"
)

// ErrMalformed reports that an accessor's underlying field is absent from
// the raw payload. Callers treat this as an internal contract bug, not as
// something the backend said.
var ErrMalformed = errors.New("malformed backend response")

// ContentType selects which derived field Content returns
type ContentType string

const (
	ContentAnswer            ContentType = "answer"
	ContentReference         ContentType = "reference"
	ContentSuggestedQuestion ContentType = "suggested-question"
	ContentNumMaxConversation ContentType = "num-max-conversation"
)

// citation markers look like [^3^] and are removed verbatim
var citationPattern = regexp.MustCompile(`\[\^\d+?\^]`)

// Payload paths used by classification and the accessors
const (
	pathResultValue        = "item.result.value"
	pathNumConversation    = "item.throttling.numUserMessagesInConversation"
	pathMaxConversation    = "item.throttling.maxNumUserMessagesInConversation"
	pathFirstOffense       = "item.messages.0.offense"
	pathReplyHiddenText    = "item.messages.1.hiddenText"
	pathReplyText          = "item.messages.1.text"
	pathSourceAttributions = "item.messages.1.sourceAttributions"
	pathSuggestedResponses = "item.messages.1.suggestedResponses"
)

// Response is a classified backend reply. It is constructed once by
// Classify and immutable afterwards.
type Response struct {
	Raw     []byte
	Outcome Outcome

	// populated for OutcomeConversationLimit
	NumConversation int
	MaxConversation int

	// populated for OutcomeHiddenSensitive
	HiddenText string

	root gjson.Result
}

// Classify reduces a raw reply payload to an outcome. The chain is ordered
// by severity, first match wins, and a well-formed-but-unexpected payload
// falls through to OutcomeUnknown rather than an error.
func Classify(raw []byte) *Response {
	r := &Response{
		Raw:  raw,
		root: gjson.ParseBytes(raw),
	}

	switch r.root.Get(pathResultValue).String() {
	case "Throttled":
		logger.Error("bing-account-reached-daily-request-limit")
		r.Outcome = OutcomeThrottled
		return r

	case "InvalidSession":
		logger.Error("bing-session-invalid-or-expired")
		r.Outcome = OutcomeInvalidSession
		return r

	case "Success":
		num := r.root.Get(pathNumConversation)
		max := r.root.Get(pathMaxConversation)
		if num.Exists() && max.Exists() && num.Int() > max.Int() {
			r.Outcome = OutcomeConversationLimit
			r.NumConversation = int(num.Int())
			r.MaxConversation = int(max.Int())
			return r
		}

		if r.root.Get(pathFirstOffense).String() == "Offensive" {
			logger.Error("bing-refused-offensive-prompt")
			r.Outcome = OutcomeOffensive
			return r
		}

		if hidden := r.root.Get(pathReplyHiddenText); hidden.Exists() {
			logger.WithField("hidden_text", hidden.String()).Error("bing-hid-sensitive-answer")
			r.Outcome = OutcomeHiddenSensitive
			r.HiddenText = hidden.String()
			return r
		}

		if r.root.Get(pathReplyText).Exists() {
			r.Outcome = OutcomeSuccess
			return r
		}
	}

	logger.WithField("raw", string(raw)).Error("unrecognized-bing-response-shape")
	r.Outcome = OutcomeUnknown
	return r
}

// stripCitations removes bracketed caret-numbered footnotes from text
func stripCitations(s string) string {
	return citationPattern.ReplaceAllString(s, "")
}

// Answer returns the primary reply text with citation markers removed
func (r *Response) Answer() (string, error) {
	text := r.root.Get(pathReplyText)
	if !text.Exists() {
		return "", fmt.Errorf("%w: missing %s", ErrMalformed, pathReplyText)
	}
	return stripCitations(text.String()), nil
}

// ReferenceURLs returns the see-more URL of every source attribution, in order
func (r *Response) ReferenceURLs() ([]string, error) {
	attrs := r.root.Get(pathSourceAttributions)
	if !attrs.Exists() || !attrs.IsArray() {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, pathSourceAttributions)
	}

	var urls []string
	var bad bool
	attrs.ForEach(func(_, attr gjson.Result) bool {
		url := attr.Get("seeMoreUrl")
		if !url.Exists() {
			bad = true
			return false
		}
		urls = append(urls, url.String())
		return true
	})
	if bad {
		return nil, fmt.Errorf("%w: source attribution without seeMoreUrl", ErrMalformed)
	}
	return urls, nil
}

// Reference returns the reference URLs as bulleted lines
func (r *Response) Reference() (string, error) {
	urls, err := r.ReferenceURLs()
	if err != nil {
		return "", err
	}
	return bulleted(urls), nil
}

// SuggestedQuestions returns the text of every suggested follow-up, in order
func (r *Response) SuggestedQuestions() ([]string, error) {
	suggested := r.root.Get(pathSuggestedResponses)
	if !suggested.Exists() || !suggested.IsArray() {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, pathSuggestedResponses)
	}

	var questions []string
	var bad bool
	suggested.ForEach(func(_, item gjson.Result) bool {
		text := item.Get("text")
		if !text.Exists() {
			bad = true
			return false
		}
		questions = append(questions, text.String())
		return true
	})
	if bad {
		return nil, fmt.Errorf("%w: suggested response without text", ErrMalformed)
	}
	return questions, nil
}

// SuggestedQuestion returns the suggested follow-ups as bulleted lines
func (r *Response) SuggestedQuestion() (string, error) {
	questions, err := r.SuggestedQuestions()
	if err != nil {
		return "", err
	}
	return bulleted(questions), nil
}

// NumConversationCount reads the user-message counter from the throttling block
func (r *Response) NumConversationCount() (int, error) {
	num := r.root.Get(pathNumConversation)
	if !num.Exists() {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, pathNumConversation)
	}
	return int(num.Int()), nil
}

// MaxConversationCount reads the conversation quota from the throttling block
func (r *Response) MaxConversationCount() (int, error) {
	max := r.root.Get(pathMaxConversation)
	if !max.Exists() {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformed, pathMaxConversation)
	}
	return int(max.Int()), nil
}

// Quota formats the throttling counters as "n/m"
func (r *Response) Quota() (string, error) {
	num, err := r.NumConversationCount()
	if err != nil {
		return "", err
	}
	max, err := r.MaxConversationCount()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d/%d", num, max), nil
}

// Content dispatches to the accessor for the given content type
func (r *Response) Content(typ ContentType) (string, error) {
	switch typ {
	case ContentAnswer:
		return r.Answer()
	case ContentReference:
		return r.Reference()
	case ContentSuggestedQuestion:
		return r.SuggestedQuestion()
	case ContentNumMaxConversation:
		return r.Quota()
	default:
		return "", fmt.Errorf("unknown content type: %s", typ)
	}
}

func bulleted(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(line)
	}
	return b.String()
}
