package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/fmueller/voxserve/internal/apperrors"
	"github.com/fmueller/voxserve/internal/platform"
	"github.com/fmueller/voxserve/internal/service"
	"github.com/fmueller/voxserve/internal/version"
	"github.com/gin-gonic/gin"
)

const (
	// AudioField is the multipart field carrying the upload.
	AudioField = "audio"

	rootMessage = "Whisper API is running"

	// multipartOverhead is the slack allowed on top of the file limit for
	// boundaries, part headers and small extra fields.
	multipartOverhead = 1 << 20
)

type TranscriptionResponse struct {
	Transcription string `json:"transcription"`
}

type handlers struct {
	svc     *service.Transcriber
	service string
	build   version.Info
	runtime platform.Runtime
}

func (h *handlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": rootMessage})
}

func (h *handlers) test(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "routing OK",
		"service": h.service,
		"version": h.build.Version,
		"os":      h.runtime.OS,
		"arch":    h.runtime.Arch,
	})
}

func (h *handlers) versionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": h.service,
		"version": h.build.Version,
		"commit":  h.build.Commit,
		"date":    h.build.Date,
		"go":      h.runtime.GoVersion,
	})
}

// transcribe streams the audio part straight from the request body into the
// upload store; the body is never buffered or parsed as a whole.
func (h *handlers) transcribe(c *gin.Context) {
	reqID := requestIDFrom(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.svc.MaxUploadBytes()+multipartOverhead)

	reader, err := c.Request.MultipartReader()
	if err != nil {
		h.writeResult(c, h.svc.Reject(reqID, apperrors.InvalidUpload("expected a multipart/form-data body")))
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			h.writeResult(c, h.svc.Reject(reqID, apperrors.InvalidUpload("missing \""+AudioField+"\" file field")))
			return
		}
		if err != nil {
			h.writeResult(c, h.svc.Reject(reqID, h.classifyMultipart(err)))
			return
		}

		if part.FormName() != AudioField {
			_ = part.Close()
			continue
		}

		res := h.svc.Transcribe(c.Request.Context(), service.Request{
			RequestID: reqID,
			Label:     part.FileName(),
			Body:      part,
		})
		_ = part.Close()
		h.writeResult(c, res)
		return
	}
}

func (h *handlers) classifyMultipart(err error) *apperrors.AppError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		appErr := apperrors.PayloadTooLarge(h.svc.MaxUploadBytes())
		appErr.Cause = err
		return appErr
	}
	appErr := apperrors.InvalidUpload("malformed multipart body")
	appErr.Cause = err
	return appErr
}

func (h *handlers) writeResult(c *gin.Context, res service.Result) {
	if res.Err != nil {
		c.Set(errorCodeKey, string(res.Err.Code))
		c.JSON(res.Err.HTTPStatus, res.Err.ToResponse())
		return
	}
	c.JSON(http.StatusOK, TranscriptionResponse{Transcription: res.Transcript})
}

func notFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, apperrors.ErrorResponse{Detail: "Not Found"})
}

func methodNotAllowed(c *gin.Context) {
	c.JSON(http.StatusMethodNotAllowed, apperrors.ErrorResponse{Detail: "Method Not Allowed"})
}
