package events

const (
	// KindPostOpRequested identifies a request for the current post-op note.
	KindPostOpRequested Kind = "procedure.post_op_requested"
	// KindNoteEdited identifies an explicit edit of an existing note.
	KindNoteEdited Kind = "procedure.note_edited"
	// KindNoteDeleted identifies an explicit deletion of a note.
	KindNoteDeleted Kind = "procedure.note_deleted"
)

type PostOpRequested struct {
	Base
	// Schema is "current" or "legacy". Empty means current.
	Schema string
}

func NewPostOpRequested(schema string) PostOpRequested {
	return PostOpRequested{Base: NewBase(KindPostOpRequested), Schema: schema}
}

type NoteEdited struct {
	Base
	NoteID  string
	Title   string
	Content string
}

func NewNoteEdited(noteID, title, content string) NoteEdited {
	return NoteEdited{Base: NewBase(KindNoteEdited), NoteID: noteID, Title: title, Content: content}
}

type NoteDeleted struct {
	Base
	NoteID string
}

func NewNoteDeleted(noteID string) NoteDeleted {
	return NoteDeleted{Base: NewBase(KindNoteDeleted), NoteID: noteID}
}
