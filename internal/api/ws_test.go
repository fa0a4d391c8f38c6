package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestWS_LoadReviewStreamsStartUpdateComplete(t *testing.T) {
	srv, root := newTestServer(t, nil)
	writeRule(t, root, "only-md", "---\ninclude: \"**/*.md\"\n---\nDocument everything.")

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/review/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	load, _ := json.Marshal(wsLoadReview{
		Files: []fileChangeJSON{{
			Filename:  "main.go",
			Status:    "modified",
			Patch:     "@@ -1,1 +1,1 @@\n-old\n+new",
			Additions: 1,
			Deletions: 1,
		}},
		WorkspaceRoot: root,
	})
	if err := conn.WriteJSON(wsMessage{Type: wsMsgLoadReview, Data: load}); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	var startMsg, updateMsg, completeMsg wsMessage
	for _, slot := range []*wsMessage{&startMsg, &updateMsg, &completeMsg} {
		if err := conn.ReadJSON(slot); err != nil {
			t.Fatalf("ws read: %v", err)
		}
	}

	if startMsg.Type != wsMsgStart {
		t.Errorf("expected %q, got %q", wsMsgStart, startMsg.Type)
	}
	if updateMsg.Type != wsMsgUpdateFile {
		t.Errorf("expected %q, got %q", wsMsgUpdateFile, updateMsg.Type)
	}
	var update wsUpdateFileEvent
	if err := json.Unmarshal(updateMsg.Data, &update); err != nil {
		t.Fatal(err)
	}
	if update.SkipReason != "no matching rules" {
		t.Errorf("SkipReason = %q, want %q", update.SkipReason, "no matching rules")
	}
	if completeMsg.Type != wsMsgComplete {
		t.Errorf("expected %q, got %q", wsMsgComplete, completeMsg.Type)
	}
}

func TestWS_UnknownMessageTypeYieldsError(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/review/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsMessage{Type: "bogus"}); err != nil {
		t.Fatalf("ws write: %v", err)
	}

	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ws read: %v", err)
	}
	if msg.Type != wsMsgError {
		t.Errorf("expected %q, got %q", wsMsgError, msg.Type)
	}
}
