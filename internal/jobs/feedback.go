package jobs

import (
	"context"
	"strconv"
	"strings"

	"yilaitu-client/internal/apiclient"
	"yilaitu-client/internal/logger"
	"yilaitu-client/internal/model"

	"github.com/rs/zerolog"
)

// FeedbackClient 反馈接口
type FeedbackClient interface {
	SubmitFeedback(ctx context.Context, req apiclient.FeedbackRequest) (int64, error)
}

// FeedbackStore 本地记录，提交成功后回写 feedback_id
type FeedbackStore interface {
	FindByID(id string) (model.GenerationRecord, bool)
	Patch(id int64, patch model.RecordPatch) bool
}

// Feedback 结果反馈；每条记录只能反馈一次
type Feedback struct {
	client FeedbackClient
	store  FeedbackStore
	log    zerolog.Logger
}

func NewFeedback(client FeedbackClient, store FeedbackStore, l *zerolog.Logger) *Feedback {
	log := logger.Component("feedback")
	if l != nil {
		log = *l
	}
	return &Feedback{client: client, store: store, log: log}
}

// Submit 校验并提交反馈，成功后把反馈 id 写回本地记录
func (f *Feedback) Submit(ctx context.Context, req apiclient.FeedbackRequest) (int64, error) {
	if req.RecordID <= 0 {
		return 0, apiclient.NewValidationError("record_id", "")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return 0, apiclient.NewValidationError("rating", "评分需在 1 到 5 之间")
	}
	req.Content = strings.TrimSpace(req.Content)
	if rec, ok := f.store.FindByID(strconv.FormatInt(req.RecordID, 10)); ok && rec.FeedbackID != nil {
		return 0, apiclient.NewValidationError("feedback_id", "该记录已提交过反馈")
	}

	id, err := f.client.SubmitFeedback(ctx, req)
	if err != nil {
		return 0, err
	}
	if !f.store.Patch(req.RecordID, model.RecordPatch{FeedbackID: &id}) {
		f.log.Debug().Int64("record_id", req.RecordID).Msg("记录不在本地缓存中，跳过回写")
	}
	f.log.Info().Int64("record_id", req.RecordID).Int64("feedback_id", id).Int("rating", req.Rating).Msg("反馈已提交")
	return id, nil
}
