package localapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"collabSync/backend/internal/editor"
	"collabSync/backend/internal/ot/delta"
	"collabSync/backend/internal/ot/document"
)

const requestTimeout = 10 * time.Second

// Server 客户端守护进程的本地编辑接口，编辑器按需打开
type Server struct {
	editors *editor.EditorManager
}

func NewServer(editors *editor.EditorManager) *Server {
	return &Server{editors: editors}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog)

	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.getDocument)
	r.Methods(http.MethodDelete).Path("/documents/{id}").HandlerFunc(s.closeDocument)
	r.Methods(http.MethodPost).Path("/documents/{id}/insert").HandlerFunc(s.edit(insert))
	r.Methods(http.MethodPost).Path("/documents/{id}/delete").HandlerFunc(s.edit(remove))
	r.Methods(http.MethodPost).Path("/documents/{id}/format").HandlerFunc(s.edit(format))
	r.Methods(http.MethodPost).Path("/documents/{id}/replace").HandlerFunc(s.edit(replace))
	r.Methods(http.MethodPost).Path("/documents/{id}/undo").HandlerFunc(s.edit(undo))
	r.Methods(http.MethodPost).Path("/documents/{id}/redo").HandlerFunc(s.edit(redo))
	return r
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		log.Printf("localapi: method=%s path=%s status=%d duration=%s", r.Method, r.URL.Path, m.Code, m.Duration)
	})
}

// editRequest 各个编辑接口共用，只读取自己需要的字段
type editRequest struct {
	Index      int              `json:"index"`
	Start      int              `json:"start"`
	End        int              `json:"end"`
	Text       string           `json:"text"`
	Attributes delta.Attributes `json:"attributes"`
}

func (r editRequest) interval() document.Interval {
	return document.NewInterval(r.Start, r.End)
}

type editFunc func(ctx context.Context, e *editor.Editor, req editRequest) (delta.Delta, error)

func insert(ctx context.Context, e *editor.Editor, req editRequest) (delta.Delta, error) {
	return e.Insert(ctx, req.Index, req.Text)
}

func remove(ctx context.Context, e *editor.Editor, req editRequest) (delta.Delta, error) {
	return e.Delete(ctx, req.interval())
}

func format(ctx context.Context, e *editor.Editor, req editRequest) (delta.Delta, error) {
	return e.Format(ctx, req.interval(), req.Attributes)
}

func replace(ctx context.Context, e *editor.Editor, req editRequest) (delta.Delta, error) {
	return e.Replace(ctx, req.interval(), req.Text)
}

func undo(ctx context.Context, e *editor.Editor, _ editRequest) (delta.Delta, error) {
	return e.Undo(ctx)
}

func redo(ctx context.Context, e *editor.Editor, _ editRequest) (delta.Delta, error) {
	return e.Redo(ctx)
}

func (s *Server) edit(fn editFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()

		var req editRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"code": "BAD_REQUEST", "message": err.Error()})
				return
			}
		}
		e, err := s.editors.Open(ctx, mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		edit, err := fn(ctx, e, req)
		if err != nil {
			writeError(w, err)
			return
		}
		snap, err := e.Snapshot(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"delta": edit, "document": snap})
	}
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	e, err := s.editors.Open(ctx, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := e.Snapshot(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) closeDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.editors.Close(ctx, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, editor.ErrEmptyObjectID),
		errors.Is(err, document.ErrIndexOutOfRange),
		errors.Is(err, delta.ErrCorruptOperation):
		status = http.StatusBadRequest
	case errors.Is(err, document.ErrNothingToUndo),
		errors.Is(err, document.ErrNothingToRedo):
		status = http.StatusConflict
	case errors.Is(err, editor.ErrQueueClosed),
		errors.Is(err, document.ErrDocumentNotReady):
		status = http.StatusServiceUnavailable
	default:
		log.Printf("localapi: err=%v", err)
	}
	writeJSON(w, status, map[string]string{"code": codeOf(err), "message": err.Error()})
}

// codeOf 取最内层的哨兵错误作为错误码
func codeOf(err error) string {
	for _, sentinel := range []error{
		editor.ErrEmptyObjectID, editor.ErrQueueClosed,
		document.ErrIndexOutOfRange, document.ErrNothingToUndo, document.ErrNothingToRedo, document.ErrDocumentNotReady,
		delta.ErrCorruptOperation,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("localapi: encode response err=%v", err)
	}
}
