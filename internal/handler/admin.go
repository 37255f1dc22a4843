package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examforge/internal/artifact"
	"github.com/pavelanni/examforge/internal/docs"
	"github.com/pavelanni/examforge/internal/store"
)

type uploadResponse struct {
	File       string `json:"file"`
	Hash       string `json:"sha256"`
	Bytes      int    `json:"bytes"`
	TextLength int    `json:"text_length"`
	Duplicate  bool   `json:"duplicate"`
}

type sessionsResponse struct {
	Banks  []artifact.BankInfo `json:"banks"`
	States []store.SessionInfo `json:"states"`
}

// handleUploadSample stores one sample document for a later run. Uploading
// the same content under the same name again is a no-op.
func (h *Handler) handleUploadSample(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(h.config.MaxUploadBytes); err != nil {
		h.invalid(w, r, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.invalid(w, r, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.config.MaxUploadBytes+1))
	if err != nil {
		h.internal(w, r, "read upload", err)
		return
	}
	if int64(len(data)) > h.config.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: http.StatusText(http.StatusRequestEntityTooLarge)})
		return
	}

	sum := sha256.Sum256(data)
	resp := uploadResponse{File: filepath.Base(header.Filename), Hash: hex.EncodeToString(sum[:]), Bytes: len(data)}
	path := h.uploadPath(sessionID, resp.File)

	if h.store != nil {
		stored, err := h.store.GetImportedFileHash(r.Context(), sessionID, resp.File)
		if err != nil {
			h.internal(w, r, "check import status", err)
			return
		}
		if stored == resp.Hash {
			resp.Duplicate = true
			resp.TextLength = len(docs.ExtractText(path))
			writeJSON(w, http.StatusOK, resp)
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.internal(w, r, "create upload dir", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.internal(w, r, "write upload", err)
		return
	}
	if h.store != nil {
		if err := h.store.SetImportedFileHash(r.Context(), sessionID, resp.File, resp.Hash); err != nil {
			slog.Error("failed to record import", "session", sessionID, "file", resp.File, "error", err)
		}
	}
	resp.TextLength = len(docs.ExtractText(path))
	slog.Info("uploaded sample", "session", sessionID, "file", resp.File, "bytes", resp.Bytes, "text_length", resp.TextLength)
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	resp := sessionsResponse{Banks: []artifact.BankInfo{}, States: []store.SessionInfo{}}
	banks, err := h.artifacts.Sessions()
	if err != nil {
		h.internal(w, r, "list banks", err)
		return
	}
	if banks != nil {
		resp.Banks = banks
	}
	if h.store != nil {
		states, err := h.store.ListSessions(r.Context())
		if err != nil {
			h.internal(w, r, "list sessions", err)
			return
		}
		if states != nil {
			resp.States = states
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleExport returns the submission index, optionally for one session.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
		return
	}
	exp, err := h.store.ExportSubmissions(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		h.internal(w, r, "export submissions", err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.pipeline.ClearCache(r.Context(), sessionID); err != nil {
		h.internal(w, r, "clear cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
