package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type transcodeRequest struct {
	VideoURL string `json:"videoUrl"`
}

type transcodeResponse struct {
	TranscodedURL string `json:"transcodedUrl"`
	FileName      string `json:"fileName"`
}

// Transcode handles POST /transcode, the legacy synchronous endpoint: the
// full pipeline runs inside the request and the artifact lands in the scratch
// bucket under a unique name. An Authorization header, when present, is
// forwarded verbatim to the source download.
func (h *Handler) Transcode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req transcodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.VideoURL) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("videoUrl is required"))
		return
	}

	fileName := scratchFileName()
	started := time.Now()
	result, err := h.Runner.RunOnce(r.Context(), req.VideoURL, r.Header.Get("Authorization"), h.ScratchBucket, fileName)
	if err != nil {
		h.logger().Error("synchronous transcode failed", "error", err, "source", req.VideoURL)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Transcoding failed",
			"message": err.Error(),
		})
		return
	}

	h.logger().Info("synchronous transcode finished", "file", fileName, "duration", time.Since(started).Round(time.Millisecond).String())
	writeJSON(w, http.StatusOK, transcodeResponse{
		TranscodedURL: result.URL,
		FileName:      fileName,
	})
}

func scratchFileName() string {
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("transcoded-%d.mp4", time.Now().UnixMilli())
	}
	return fmt.Sprintf("transcoded-%d-%s.mp4", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}
