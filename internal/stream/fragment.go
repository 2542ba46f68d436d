// Package stream carries an assistant reply as an ordered sequence of typed
// fragments, and moves those fragments over Server-Sent Events.
package stream

import (
	"fmt"
	"strings"
)

// Kind tags a fragment's content type.
type Kind string

const (
	KindText     Kind = "text"
	KindThinking Kind = "thinking"
	KindImage    Kind = "image"
	KindAudio    Kind = "audio"
	KindVideo    Kind = "video"
	KindDocument Kind = "document"
)

// Fragment is one unit of a streamed reply. The set of implementations is
// closed: Text, Thinking and Media.
type Fragment interface {
	Kind() Kind
	fragment()
}

// Text is reply text. Only Text fragments end up in the persisted message.
type Text struct {
	Content string
}

// Thinking is model reasoning shown to the user but never persisted.
type Thinking struct {
	Content string
}

// Media is an image, audio, video or document part, inline or by URI.
type Media struct {
	MediaKind Kind
	MIMEType  string
	Data      []byte
	URI       string
}

func (Text) Kind() Kind     { return KindText }
func (Thinking) Kind() Kind { return KindThinking }
func (m Media) Kind() Kind  { return m.MediaKind }

func (Text) fragment()     {}
func (Thinking) fragment() {}
func (Media) fragment()    {}

// MediaKindFor maps a MIME type onto a media kind. Anything that is not
// image, audio or video is treated as a document.
func MediaKindFor(mimeType string) Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	default:
		return KindDocument
	}
}

// PersistableText returns the content a fragment contributes to the stored
// reply and whether it contributes at all.
func PersistableText(f Fragment) (string, bool, error) {
	switch v := f.(type) {
	case Text:
		return v.Content, true, nil
	case Thinking:
		return "", false, nil
	case Media:
		return "", false, nil
	default:
		return "", false, fmt.Errorf("unknown fragment type %T", f)
	}
}
