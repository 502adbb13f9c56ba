package model

import (
	"encoding/json"
	"fmt"
)

// BodyKind tags the Body union.
type BodyKind string

const (
	BodyText  BodyKind = "Text"
	BodyImage BodyKind = "Image"
)

// PathKind tags where an image lives.
type PathKind string

const (
	PathURL    PathKind = "Url"
	PathFile   PathKind = "File"
	PathStatic PathKind = "Static"
)

// ImagePath is a URL, an attachment name, or a bundled static asset.
type ImagePath struct {
	Kind  PathKind `json:"type"`
	Value string   `json:"value"`
}

type ImageRef struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Path   ImagePath `json:"path"`
}

// Body is either Text(optional string) or Image(optional ImageRef).
type Body struct {
	Kind  BodyKind  `json:"type"`
	Text  *string   `json:"text,omitempty"`
	Image *ImageRef `json:"image,omitempty"`
}

func TextBody(s string) Body { return Body{Kind: BodyText, Text: &s} }
func EmptyText() Body { return Body{Kind: BodyText} }
func ImageBody(ref ImageRef) Body { return Body{Kind: BodyImage, Image: &ref} }

// String returns the text of a text body, or "" otherwise.
func (b Body) String() string {
	if b.Kind == BodyText && b.Text != nil {
		return *b.Text
	}
	return ""
}

// IsEmpty reports whether the body carries no value.
func (b Body) IsEmpty() bool {
	return b.Text == nil && b.Image == nil
}

func (b Body) cleared() Body {
	if b.Kind == BodyImage {
		return Body{Kind: BodyImage}
	}
	return EmptyText()
}

func (b *Body) UnmarshalJSON(data []byte) error {
	type plain Body
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	switch p.Kind {
	case BodyText, BodyImage:
	default:
		return fmt.Errorf("unknown body type %q", p.Kind)
	}
	*b = Body(p)
	return nil
}

// ContentStatus is the state of a MsgContent.
type ContentStatus string

const (
	StatusPending   ContentStatus = "Pending"
	StatusReceiving ContentStatus = "Receiving"
	StatusFulfilled ContentStatus = "Fulfilled"
	StatusRejected  ContentStatus = "Rejected"
)

// IsTerminal reports Fulfilled and Rejected.
func (s ContentStatus) IsTerminal() bool {
	return s == StatusFulfilled || s == StatusRejected
}

func (s *ContentStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch ContentStatus(v) {
	case StatusPending, StatusReceiving, StatusFulfilled, StatusRejected:
	default:
		return fmt.Errorf("unknown content status %q", v)
	}
	*s = ContentStatus(v)
	return nil
}

// MsgContent is one variant of a message body.
type MsgContent struct {
	Body   Body          `json:"body"`
	Status ContentStatus `json:"status"`
}

// InitTextPending is the content a bot message starts with.
func InitTextPending() MsgContent {
	return MsgContent{Body: EmptyText(), Status: StatusPending}
}

func FulfilledText(s string) MsgContent {
	return MsgContent{Body: TextBody(s), Status: StatusFulfilled}
}

func (c MsgContent) clone() MsgContent {
	out := MsgContent{Status: c.Status, Body: Body{Kind: c.Body.Kind}}
	if c.Body.Text != nil {
		t := *c.Body.Text
		out.Body.Text = &t
	}
	if c.Body.Image != nil {
		img := *c.Body.Image
		out.Body.Image = &img
	}
	return out
}
