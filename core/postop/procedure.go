package postop

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/koscakluka/ema-surgery/core/annotation"
	"github.com/koscakluka/ema-surgery/core/notes"
)

// legacyTimelineFile is the array-shaped timeline written by older
// recordings.
const legacyTimelineFile = "annotation.json"

// LoadProcedure reads the timeline and notes files of a procedure folder.
func LoadProcedure(dir string) (Input, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return Input{}, fmt.Errorf("failed to open procedure folder: %w", err)
	}
	if !info.IsDir() {
		return Input{}, fmt.Errorf("procedure path %q is not a folder", dir)
	}

	timelinePath := filepath.Join(dir, annotation.TimelineFile)
	if _, err := os.Stat(timelinePath); os.IsNotExist(err) {
		timelinePath = filepath.Join(dir, legacyTimelineFile)
	}
	records, err := annotation.LoadTimeline(timelinePath)
	if err != nil {
		return Input{}, err
	}

	noteList, err := notes.Load(filepath.Join(dir, notes.NotesFile))
	if err != nil {
		return Input{}, err
	}

	logger.Debug("loaded procedure", "dir", dir, "annotations", len(records), "notes", len(noteList))
	return Input{Annotations: records, Notes: noteList}, nil
}
