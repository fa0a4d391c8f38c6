package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/wispbit/revengine/internal/orchestrator"
	"github.com/wispbit/revengine/internal/rules"
	"github.com/wispbit/revengine/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local dev; restrict in production.
	},
}

// WebSocket message types from the client.
const (
	wsMsgLoadReview = "load_review"
)

// WebSocket message types to the client, mirroring the Orchestrator's
// hook contract one-for-one.
const (
	wsMsgStart      = "start"
	wsMsgUpdateFile = "update_file"
	wsMsgComplete   = "complete"
	wsMsgAbort      = "abort"
	wsMsgError      = "error"
)

// wsMessage is the envelope for WebSocket messages in both directions.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsLoadReview is the payload of a "load_review" client message.
type wsLoadReview struct {
	Files         []fileChangeJSON `json:"files"`
	RulesRoot     string           `json:"rules_root"`
	WorkspaceRoot string           `json:"workspace_root"`
}

type wsStartEvent struct {
	File string `json:"file"`
}

type wsUpdateFileEvent struct {
	File       string          `json:"file"`
	Violations []violationJSON `json:"violations"`
	SkipReason string          `json:"skip_reason,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type wsCompleteEvent struct {
	Stats reviewStatsJSON `json:"stats"`
}

func (s *Server) handleReviewStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger().Warn("websocket read failed", "err", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.sendWSError(conn, "invalid message format")
			continue
		}

		switch msg.Type {
		case wsMsgLoadReview:
			s.handleWSLoadReview(r.Context(), conn, msg.Data)
		default:
			s.sendWSError(conn, "unknown message type: "+msg.Type)
		}
	}
}

func (s *Server) handleWSLoadReview(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req wsLoadReview
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendWSError(conn, "invalid load_review data")
		return
	}
	if len(req.Files) == 0 {
		s.sendWSError(conn, "files is required")
		return
	}

	rulesRoot := req.RulesRoot
	if rulesRoot == "" {
		rulesRoot = req.WorkspaceRoot
	}
	codebaseRules, err := rules.Discover(rulesRoot)
	if err != nil {
		s.sendWSError(conn, "discovering rules: "+err.Error())
		return
	}

	files := make([]types.FileChange, len(req.Files))
	changedFilenames := make([]string, len(req.Files))
	for i, f := range req.Files {
		files[i] = types.NewFileChange(f.Filename, types.Status(f.Status), f.Patch, f.Additions, f.Deletions)
		changedFilenames[i] = f.Filename
	}

	hooks := orchestrator.Hooks{
		OnStart: func(f types.FileChange) {
			s.sendWSMessage(conn, wsMsgStart, wsStartEvent{File: f.Filename})
		},
		OnUpdateFile: func(res orchestrator.Result) {
			ev := wsUpdateFileEvent{File: res.File.Filename, SkipReason: string(res.SkipReason)}
			for _, v := range res.Analysis.Violations {
				ev.Violations = append(ev.Violations, toViolationJSON(res.File.Filename, v))
			}
			if res.Err != nil {
				ev.Error = res.Err.Error()
			}
			s.sendWSMessage(conn, wsMsgUpdateFile, ev)
		},
		OnComplete: func(results []orchestrator.Result) {
			stats := reviewStatsJSON{}
			for _, res := range results {
				stats.FilesReviewed++
				stats.CostUSD += res.Analysis.Cost.USD
				stats.Violations += len(res.Analysis.Violations)
			}
			s.sendWSMessage(conn, wsMsgComplete, wsCompleteEvent{Stats: stats})
		},
		OnAbort: func(err error) {
			s.sendWSMessage(conn, wsMsgAbort, map[string]string{"error": err.Error()})
		},
	}

	o := orchestrator.New(s.deps.Concurrency, hooks)
	o.Logger = s.logger()
	_, _ = o.Run(ctx, files, s.reviewOneFile(codebaseRules, changedFilenames)) // errors are reported via OnAbort.
}

func (s *Server) sendWSMessage(conn *websocket.Conn, msgType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger().Error("ws marshal failed", "err", err)
		return
	}
	msg := wsMessage{Type: msgType, Data: raw}
	if err := conn.WriteJSON(msg); err != nil {
		s.logger().Warn("ws write failed", "err", err)
	}
}

func (s *Server) sendWSError(conn *websocket.Conn, errMsg string) {
	s.sendWSMessage(conn, wsMsgError, map[string]string{"message": errMsg})
}
