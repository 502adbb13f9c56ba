package model

// ActionKind names a content state machine input.
type ActionKind int

const (
	ActPending ActionKind = iota
	ActReceiving
	ActFulfilled
	ActRejected
)

func (k ActionKind) String() string {
	switch k {
	case ActPending:
		return "Pending"
	case ActReceiving:
		return "Receiving"
	case ActFulfilled:
		return "Fulfilled"
	case ActRejected:
		return "Rejected"
	}
	return "Unknown"
}

func (k ActionKind) target() ContentStatus {
	switch k {
	case ActReceiving:
		return StatusReceiving
	case ActFulfilled:
		return StatusFulfilled
	case ActRejected:
		return StatusRejected
	}
	return StatusPending
}

// ContentAction drives a MsgContent. Body is only read for Receiving.
type ContentAction struct {
	Kind ActionKind
	Body Body
}

func PendingAction() ContentAction { return ContentAction{Kind: ActPending} }
func FulfilledAction() ContentAction { return ContentAction{Kind: ActFulfilled} }
func RejectedAction() ContentAction { return ContentAction{Kind: ActRejected} }

func ReceivingAction(body Body) ContentAction {
	return ContentAction{Kind: ActReceiving, Body: body}
}

// ReceivingText is a Receiving action carrying one text delta.
func ReceivingText(delta string) ContentAction {
	return ReceivingAction(TextBody(delta))
}

// Verdict classifies a transition against the expected lifecycle.
type Verdict int

const (
	// Expected transitions are the normal path.
	Expected Verdict = iota
	// Unexpected transitions are performed but should be logged.
	Unexpected
	// Frozen transitions target a Fulfilled content and are not performed.
	Frozen
)

func (v Verdict) String() string {
	switch v {
	case Expected:
		return "expected"
	case Unexpected:
		return "unexpected"
	}
	return "frozen"
}

// transitions[from][action]. Fulfilled rows are absent: Fulfilled is final.
var transitions = map[ContentStatus]map[ActionKind]Verdict{
	StatusPending: {
		ActPending:   Expected,
		ActReceiving: Expected,
		ActFulfilled: Unexpected,
		ActRejected:  Expected,
	},
	StatusReceiving: {
		ActPending:   Unexpected,
		ActReceiving: Expected,
		ActFulfilled: Expected,
		ActRejected:  Unexpected,
	},
	StatusRejected: {
		ActPending:   Expected,
		ActReceiving: Unexpected,
		ActFulfilled: Unexpected,
		ActRejected:  Unexpected,
	},
}

// Classify looks up the verdict for applying action kind k in state from.
func Classify(from ContentStatus, k ActionKind) Verdict {
	row, ok := transitions[from]
	if !ok {
		return Frozen
	}
	v, ok := row[k]
	if !ok {
		return Unexpected
	}
	return v
}

// Transition describes the outcome of Apply.
type Transition struct {
	From    ContentStatus
	To      ContentStatus
	Action  ActionKind
	Verdict Verdict
}

// Applied reports whether the content was changed.
func (t Transition) Applied() bool { return t.Verdict != Frozen }

// Terminal reports whether the content entered Fulfilled or Rejected.
func (t Transition) Terminal() bool { return t.Applied() && t.To.IsTerminal() }

// Apply runs the state machine. Unexpected transitions are still applied;
// a Fulfilled content is never changed.
//
// Receiving(Text(s)) appends s to a text body and is ignored for the body
// when s is absent; Receiving(Image) replaces the body. Pending clears the
// body. Rejected keeps whatever was received so far.
func (c *MsgContent) Apply(a ContentAction) Transition {
	t := Transition{From: c.Status, Action: a.Kind, Verdict: Classify(c.Status, a.Kind)}
	if t.Verdict == Frozen {
		t.To = c.Status
		return t
	}

	switch a.Kind {
	case ActPending:
		c.Body = c.Body.cleared()
	case ActReceiving:
		c.receive(a.Body)
	}
	c.Status = a.Kind.target()
	t.To = c.Status
	return t
}

func (c *MsgContent) receive(b Body) {
	switch b.Kind {
	case BodyImage:
		c.Body = b
	case BodyText:
		if b.Text == nil {
			return
		}
		if c.Body.Kind != BodyText || c.Body.Text == nil {
			s := *b.Text
			c.Body = Body{Kind: BodyText, Text: &s}
			return
		}
		s := *c.Body.Text + *b.Text
		c.Body.Text = &s
	}
}
