package valueobject

// ContentType names the media kind of a text/attachment-style
// MessageContent (the common case: a chat turn with optional files).
type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeAudio ContentType = "audio"
	ContentTypeVideo ContentType = "video"
	ContentTypeFile  ContentType = "file"
)

// Attachment is a file reference carried alongside a MessageContent.
type Attachment struct {
	URL      string
	MimeType string
	Size     int64
}

// ContentKind selects which variant of the content sum type a
// MessageContent carries: a plain chat message (Kind==ContentTypeText
// style, handled by the legacy text/attachments fields), an ordered
// run of Parts (text interleaved with image/document references), a
// ToolResult payload, or a list of ToolCalls the model requested.
type ContentKind string

const (
	KindPlain      ContentKind = "plain"
	KindParts      ContentKind = "parts"
	KindToolResult ContentKind = "tool_result"
	KindToolCalls  ContentKind = "tool_calls"
)

// PartType distinguishes entries within a Parts-variant MessageContent.
type PartType string

const (
	PartText             PartType = "text"
	PartImageReference   PartType = "image_reference"
	PartDocumentReference PartType = "document_reference"
)

// Part is one element of an ordered Parts-variant MessageContent.
type Part struct {
	Type      PartType
	Text      string // populated when Type == PartText
	Reference string // URL or path, populated for image/document references
	MimeType  string
}

// ToolResultContent is the tool-result-payload content variant: the
// textual output of a completed tool call plus its success flag.
type ToolResultContent struct {
	ToolCallID string
	Output     string
	Success    bool
}

// ToolCallRequest is one entry of the tool-call-request-list content
// variant: a call the model is asking the orchestrator to dispatch.
type ToolCallRequest struct {
	ID        string
	Name      string
	Arguments string // canonical JSON
}

// MessageContent is an immutable value object representing the body of
// a Message. Kind selects which variant is populated: KindPlain uses
// text/contentType/attachments (the historical chat-message shape),
// KindParts uses parts, KindToolResult uses toolResult, and
// KindToolCalls uses toolCalls.
type MessageContent struct {
	kind        ContentKind
	text        string
	contentType ContentType
	attachments []Attachment
	parts       []Part
	toolResult  ToolResultContent
	toolCalls   []ToolCallRequest
}

// NewMessageContent creates a plain text/attachment content value.
func NewMessageContent(text string, contentType ContentType) MessageContent {
	return MessageContent{
		kind:        KindPlain,
		text:        text,
		contentType: contentType,
		attachments: make([]Attachment, 0),
	}
}

// NewMessageContentWithAttachments creates a plain content value
// carrying one or more file attachments.
func NewMessageContentWithAttachments(text string, contentType ContentType, attachments []Attachment) MessageContent {
	atts := make([]Attachment, len(attachments))
	copy(atts, attachments)

	return MessageContent{
		kind:        KindPlain,
		text:        text,
		contentType: contentType,
		attachments: atts,
	}
}

// NewPartsContent creates an ordered-parts content value (text
// interleaved with image/document references).
func NewPartsContent(parts []Part) MessageContent {
	cp := make([]Part, len(parts))
	copy(cp, parts)
	return MessageContent{kind: KindParts, parts: cp}
}

// NewToolResultContent creates a tool-result-payload content value.
func NewToolResultContent(result ToolResultContent) MessageContent {
	return MessageContent{kind: KindToolResult, toolResult: result}
}

// NewToolCallsContent creates a tool-call-request-list content value.
func NewToolCallsContent(calls []ToolCallRequest) MessageContent {
	cp := make([]ToolCallRequest, len(calls))
	copy(cp, calls)
	return MessageContent{kind: KindToolCalls, toolCalls: cp}
}

// Kind reports which content variant is populated.
func (mc MessageContent) Kind() ContentKind {
	if mc.kind == "" {
		return KindPlain
	}
	return mc.kind
}

// Text returns the textual content: the plain-message text for
// KindPlain, or the concatenation of text parts for KindParts.
func (mc MessageContent) Text() string {
	if mc.Kind() == KindParts {
		var out string
		for _, p := range mc.parts {
			if p.Type == PartText {
				out += p.Text
			}
		}
		return out
	}
	return mc.text
}

func (mc MessageContent) ContentType() ContentType {
	return mc.contentType
}

func (mc MessageContent) Attachments() []Attachment {
	atts := make([]Attachment, len(mc.attachments))
	copy(atts, mc.attachments)
	return atts
}

func (mc MessageContent) HasAttachments() bool {
	return len(mc.attachments) > 0
}

// Parts returns the ordered parts of a KindParts content value.
func (mc MessageContent) Parts() []Part {
	p := make([]Part, len(mc.parts))
	copy(p, mc.parts)
	return p
}

// ToolResult returns the tool-result payload and true if this content
// is the KindToolResult variant.
func (mc MessageContent) ToolResult() (ToolResultContent, bool) {
	return mc.toolResult, mc.Kind() == KindToolResult
}

// ToolCalls returns the requested tool calls if this content is the
// KindToolCalls variant.
func (mc MessageContent) ToolCalls() []ToolCallRequest {
	cp := make([]ToolCallRequest, len(mc.toolCalls))
	copy(cp, mc.toolCalls)
	return cp
}

// IsTextOnly reports whether this is a plain text message with no
// attachments.
func (mc MessageContent) IsTextOnly() bool {
	return mc.Kind() == KindPlain && mc.contentType == ContentTypeText && !mc.HasAttachments()
}

// Equals reports structural equality between two content values.
func (mc MessageContent) Equals(other MessageContent) bool {
	if mc.Kind() != other.Kind() {
		return false
	}
	switch mc.Kind() {
	case KindParts:
		if len(mc.parts) != len(other.parts) {
			return false
		}
		for i, p := range mc.parts {
			if p != other.parts[i] {
				return false
			}
		}
		return true
	case KindToolResult:
		return mc.toolResult == other.toolResult
	case KindToolCalls:
		if len(mc.toolCalls) != len(other.toolCalls) {
			return false
		}
		for i, c := range mc.toolCalls {
			if c != other.toolCalls[i] {
				return false
			}
		}
		return true
	default:
		if mc.text != other.text || mc.contentType != other.contentType {
			return false
		}
		if len(mc.attachments) != len(other.attachments) {
			return false
		}
		for i, att := range mc.attachments {
			if att != other.attachments[i] {
				return false
			}
		}
		return true
	}
}
