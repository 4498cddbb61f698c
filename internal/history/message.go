package history

// Role tags who produced a Turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// FileRef points at a media asset the remote model service already holds.
type FileRef struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
	Name     string `json:"name,omitempty"`
}

// Part is one piece of a Turn: either plain text or a reference to uploaded media.
type Part struct {
	Text string   `json:"text,omitempty"`
	File *FileRef `json:"file,omitempty"`
}

// Turn represents a single exchange unit in a conversation.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Snapshot is the whole store: user id to ordered turns.
type Snapshot map[string][]Turn

// TextPart builds a text Part.
func TextPart(s string) Part { return Part{Text: s} }

// FilePart builds a media Part.
func FilePart(ref FileRef) Part { return Part{File: &ref} }

// UserTurn builds a user Turn from parts.
func UserTurn(parts ...Part) Turn { return Turn{Role: RoleUser, Parts: parts} }

// ModelTurn builds a model Turn carrying the reply text.
func ModelTurn(text string) Turn { return Turn{Role: RoleModel, Parts: []Part{TextPart(text)}} }

// Text concatenates the text parts of the turn.
func (t Turn) Text() string {
	var out string
	for _, p := range t.Parts {
		out += p.Text
	}
	return out
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return []Turn{}
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		parts := make([]Part, len(t.Parts))
		for j, p := range t.Parts {
			parts[j] = p
			if p.File != nil {
				f := *p.File
				parts[j].File = &f
			}
		}
		out[i] = Turn{Role: t.Role, Parts: parts}
	}
	return out
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = cloneTurns(v)
	}
	return out
}
