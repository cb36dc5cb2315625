package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/huangang/issuesentry/internal/issue"
	"github.com/huangang/issuesentry/internal/models"
)

type fakePredictor struct {
	pred  *Prediction
	err   error
	calls int
}

func (f *fakePredictor) Predict(context.Context, *issue.NormalizedIssue) (*Prediction, error) {
	f.calls++
	return f.pred, f.err
}

func mustPayload(t *testing.T, item *issue.NormalizedIssue) []byte {
	t.Helper()
	b, err := json.Marshal(item)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestScoringService_StoresPrediction(t *testing.T) {
	db := newTestDB(t)
	predictor := &fakePredictor{pred: &Prediction{DelayLabel: LabelAtRisk, DelayScore: 0.55, PriorityScore: 0.6, Summary: "tight"}}
	svc := NewScoringService(predictor, NewIssueStore(db))

	if err := svc.Process(context.Background(), mustPayload(t, sampleIssue("ALPHA-1"))); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	rec, err := NewIssueStore(db).Get(context.Background(), testDomain, "ALPHA-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PredictionStatus != models.PredictionCompleted || rec.DelayLabel != LabelAtRisk {
		t.Errorf("record = %q/%q", rec.PredictionStatus, rec.DelayLabel)
	}
}

func TestScoringService_RedeliveryIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	svc := NewScoringService(&fakePredictor{pred: &Prediction{DelayLabel: LabelOnTrack}}, NewIssueStore(db))
	payload := mustPayload(t, sampleIssue("ALPHA-1"))

	for i := 0; i < 3; i++ {
		if err := svc.Process(context.Background(), payload); err != nil {
			t.Fatalf("Process() #%d error = %v", i, err)
		}
	}
	var count int64
	db.Model(&models.IssueRecord{}).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, expected 1", count)
	}
}

func TestScoringService_ErrorClassification(t *testing.T) {
	noKey := sampleIssue("")

	tests := []struct {
		name      string
		payload   func(t *testing.T) []byte
		predErr   error
		skipRetry bool
		stored    bool
	}{
		{"undecodable", func(*testing.T) []byte { return []byte("{not json") }, nil, true, false},
		{"missing key", func(t *testing.T) []byte { return mustPayload(t, noKey) }, nil, true, false},
		{"invalid prediction", func(t *testing.T) []byte { return mustPayload(t, sampleIssue("ALPHA-1")) }, ErrInvalidPrediction, true, true},
		{"provider error", func(t *testing.T) []byte { return mustPayload(t, sampleIssue("ALPHA-1")) }, errors.New("502 bad gateway"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB(t)
			svc := NewScoringService(&fakePredictor{err: tt.predErr}, NewIssueStore(db))

			err := svc.Process(context.Background(), tt.payload(t))
			if err == nil {
				t.Fatal("Process() error = nil")
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tt.skipRetry {
				t.Errorf("SkipRetry = %v, expected %v (err %v)", got, tt.skipRetry, err)
			}

			var rec models.IssueRecord
			found := db.Where("prediction_status = ?", models.PredictionFailed).First(&rec).Error == nil
			if found != tt.stored {
				t.Errorf("failure recorded = %v, expected %v", found, tt.stored)
			}
		})
	}
}
