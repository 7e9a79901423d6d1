package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"yilaitu-client/internal/events"
	"yilaitu-client/internal/model"

	"github.com/gin-gonic/gin"
)

const defaultStreamKeepAlive = 3 * time.Second

// streamEvent 事件流中的一条消息
type streamEvent struct {
	Kind    events.Kind                `json:"kind"`
	TaskID  string                     `json:"task_id,omitempty"`
	Message *model.NotificationMessage `json:"message,omitempty"`
	User    *model.User                `json:"user,omitempty"`
}

func startStream(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		Error(c, http.StatusInternalServerError, 500, "Streaming unsupported")
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

// WaitRecord 以 SSE 推送记录状态，记录到达终态后结束
func (h *Handler) WaitRecord(c *gin.Context) {
	if !h.requireLogin(c) {
		return
	}
	taskID := c.Param("id")

	rec, err := h.app.Tracker.Resolve(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	flusher, ok := startStream(c)
	if !ok {
		return
	}
	if !writeEvent(c.Writer, flusher, "", rec) || rec.IsTerminal() {
		return
	}
	lastSignature := recordSignature(rec)

	type result struct {
		rec model.GenerationRecord
		err error
	}
	done := make(chan result, 1)
	go func() {
		latest, err := h.app.Tracker.Wait(c.Request.Context(), taskID)
		done <- result{latest, err}
	}()

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case res := <-done:
			if res.err != nil {
				writeEvent(c.Writer, flusher, "error", gin.H{"message": res.err.Error()})
				return
			}
			if recordSignature(res.rec) != lastSignature {
				writeEvent(c.Writer, flusher, "", res.rec)
			}
			return
		case <-keepAliveTicker.C:
			if _, err := fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Events 以 SSE 转发推送消息与账户事件，直到客户端断开
func (h *Handler) Events(c *gin.Context) {
	flusher, ok := startStream(c)
	if !ok {
		return
	}

	queue := make(chan streamEvent, 32)
	forward := func(ev events.Event) {
		select {
		case queue <- streamEvent{Kind: ev.Kind, TaskID: ev.TaskID, Message: ev.Message, User: ev.User}:
		default:
			logFrom(c).Warn().Str("kind", string(ev.Kind)).Msg("事件流缓冲已满，丢弃事件")
		}
	}
	for _, kind := range []events.Kind{events.MessageReceived, events.TaskCompleted, events.SessionEnded, events.AccountRefreshed, events.NotificationOpened} {
		unsub := h.app.Bus.Subscribe(kind, forward)
		defer unsub()
	}

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev := <-queue:
			if !writeEvent(c.Writer, flusher, string(ev.Kind), ev) {
				return
			}
		case <-keepAliveTicker.C:
			if _, err := fmt.Fprintf(c.Writer, "event: ping\ndata: {}\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, name string, v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return false
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func recordSignature(rec model.GenerationRecord) string {
	feedbackID := int64(0)
	if rec.FeedbackID != nil {
		feedbackID = *rec.FeedbackID
	}
	return fmt.Sprintf("%d|%s|%d|%d", rec.ID, rec.Status, len(rec.Images), feedbackID)
}
