package services

import (
	"testing"

	"github.com/huangang/issuesentry/internal/config"
)

func TestSyncScheduler_StartAndStop(t *testing.T) {
	db := newTestDB(t)
	syncService := NewSyncService(db, newTestCredentials(t, db), &fakePublisher{}, config.SyncConfig{})

	tests := []struct {
		name    string
		expr    string
		wantErr bool
		running bool
	}{
		{"disabled", "", false, false},
		{"hourly", "0 * * * *", false, true},
		{"invalid", "every tuesday", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSyncScheduler(syncService, tt.expr)
			err := s.Start()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s.running != tt.running {
				t.Errorf("running = %v, expected %v", s.running, tt.running)
			}
			// A second Start is a no-op.
			if err == nil {
				if err := s.Start(); err != nil {
					t.Errorf("second Start() error = %v", err)
				}
			}
			s.Stop()
			if s.running {
				t.Error("still running after Stop")
			}
		})
	}
}
