package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/koscakluka/ema-surgery/core/events"
	"github.com/koscakluka/ema-surgery/core/postop"
	"github.com/koscakluka/ema-surgery/core/video"
	"go.opentelemetry.io/otel/codes"
)

const maxPostOpBodyBytes = 32 << 20

type postOpResponse struct {
	PostOpNote postop.Note `json:"post_op_note"`
}

// handlePostOp aggregates a note from the timeline and notes in the request
// body. The schema query parameter selects the note shape.
func (s *Server) handlePostOp(w http.ResponseWriter, r *http.Request) {
	schema, err := postop.ParseSchema(r.URL.Query().Get("schema"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var input postop.Input
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPostOpBodyBytes)).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid post-op request: "+err.Error())
		return
	}

	note, err := s.orchestrator.Aggregate(r.Context(), input, schema)
	if err != nil {
		logger.Error("failed to aggregate post-op note", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate post-op note")
		return
	}
	writeJSON(w, http.StatusOK, postOpResponse{PostOpNote: note})
}

// handleCurrentPostOp aggregates the note of the procedure in progress.
func (s *Server) handleCurrentPostOp(w http.ResponseWriter, r *http.Request) {
	schema, err := postop.ParseSchema(r.URL.Query().Get("schema"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	note, err := s.orchestrator.PostOp(r.Context(), schema)
	if err != nil {
		logger.Error("failed to generate post-op note", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate post-op note")
		return
	}
	writeJSON(w, http.StatusOK, postOpResponse{PostOpNote: note})
}

type videoEntry struct {
	Name     string `json:"name"`
	VideoSrc string `json:"video_src"`
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	names, err := s.library.List()
	if err != nil {
		logger.Error("failed to list videos", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list videos")
		return
	}

	videos := make([]videoEntry, 0, len(names))
	for _, name := range names {
		videos = append(videos, videoEntry{Name: name, VideoSrc: s.library.Source(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

type selectRequest struct {
	Filename string `json:"filename"`
}

type videoResponse struct {
	VideoSrc   string `json:"video_src"`
	TimelineID string `json:"timeline_id,omitempty"`
}

func (s *Server) handleSelectVideo(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid select request: "+err.Error())
		return
	}

	src, err := s.library.Select(req.Filename)
	if err != nil {
		writeVideoError(w, err, "failed to load video")
		return
	}
	s.videoChanged(w, src)
}

// handleUploadVideo streams the "file" part of a multipart form into the
// library.
func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload video")
	defer span.End()

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "upload has no file part")
			return
		} else if err != nil {
			span.RecordError(err)
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		src, err := s.library.Save(ctx, part.FileName(), part)
		part.Close()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeVideoError(w, err, "failed to upload video")
			return
		}
		s.videoChanged(w, src)
		return
	}
}

// videoChanged starts a procedure for the video and tells every session
// to load it.
func (s *Server) videoChanged(w http.ResponseWriter, src string) {
	timelineID, err := s.orchestrator.StartProcedure(src)
	if err != nil {
		logger.Error("failed to start procedure", "video_src", src, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start procedure")
		return
	}

	s.orchestrator.Broadcast(events.Outbound{
		VideoUpdated: true,
		VideoSrc:     src,
		TimelineID:   timelineID,
	})
	writeJSON(w, http.StatusOK, videoResponse{VideoSrc: src, TimelineID: timelineID})
}

func writeVideoError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, video.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, video.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, video.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, message)
	}
}
