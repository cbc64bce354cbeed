// Package twiml builds the call-control XML documents returned to the
// telephony carrier. Only the elements the bridge actually emits are
// modelled: a spoken prelude, a media-stream connect, and a hangup.
package twiml

import (
	"encoding/xml"
	"fmt"
)

// Response is the root call-control document. Child elements execute in
// order, so a Say placed before Connect is spoken before the media stream
// opens.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

// Say speaks text to the caller using the carrier's TTS voice.
type Say struct {
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// Connect hands the call's audio to a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream points the carrier at the bridge's media WebSocket endpoint.
// Parameters are echoed back verbatim in the stream's start event.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter"`
}

// Parameter is a custom key/value pair attached to the stream.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Hangup terminates the call.
type Hangup struct{}

// CallInfo identifies the inbound call being routed to the media stream.
type CallInfo struct {
	// From is the caller's number exactly as the carrier delivered it. It is
	// passed through unmodified; the booking store keys on this
	// representation.
	From string

	// To is the dialled business number.
	To string

	// CallSID is the carrier's call identifier.
	CallSID string
}

// Welcome builds the answer document for an inbound call: an Italian spoken
// prelude followed by a Connect to the media stream at host. The custom
// parameters carry the call identity into the stream's start event.
func Welcome(greeting, host string, call CallInfo) *Response {
	return &Response{
		Say: &Say{
			Voice:    "alice",
			Language: "it-IT",
			Text:     greeting,
		},
		Connect: &Connect{
			Stream: Stream{
				URL: fmt.Sprintf("wss://%s/media-stream", host),
				Parameters: []Parameter{
					{Name: "customerPhone", Value: call.From},
					{Name: "callSid", Value: call.CallSID},
					{Name: "twilioNumber", Value: call.To},
				},
			},
		},
	}
}

// ErrorResponse builds the fallback document played when the call cannot be
// bridged: an Italian apology followed by a hangup.
func ErrorResponse() *Response {
	return &Response{
		Say: &Say{
			Voice:    "alice",
			Language: "it-IT",
			Text:     "Ci scusiamo, si è verificato un errore tecnico. La preghiamo di riprovare più tardi.",
		},
		Hangup: &Hangup{},
	}
}

// Render serialises the document with the XML declaration the carrier
// expects.
func (r *Response) Render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal call-control document: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
