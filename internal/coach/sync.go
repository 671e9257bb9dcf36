package coach

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/fetch"
	"github.com/btouchard/stride/internal/notify"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/trainingload"
)

// SyncRequest asks for one dataset over the trailing Days.
type SyncRequest struct {
	UserID  int64
	Dataset string
	Days    int
	// MCPSessionID targets progress notifications at one MCP client.
	MCPSessionID string
}

// SyncResult is a completed sync with its normalized records. Only the
// slice matching Dataset is populated.
type SyncResult struct {
	Dataset    fetch.Dataset    `json:"dataset"`
	Source     fetch.Source     `json:"source"`
	Days       int              `json:"days"`
	Windows    int              `json:"windows"`
	Records    int              `json:"records"`
	Duplicates int              `json:"duplicates"`
	Cursor     time.Time        `json:"cursor"`
	Sleeps     []fetch.Sleep    `json:"sleeps,omitempty"`
	Activities []fetch.Activity `json:"activities,omitempty"`
}

// Sync fetches a dataset with a valid token and records the outcome on the
// connection. A failed sync leaves the cursor untouched and returns no
// records.
func (s *Service) Sync(ctx context.Context, req SyncRequest) (*SyncResult, error) {
	if req.UserID <= 0 {
		return nil, errs.Validation("user id must be positive")
	}
	ds, err := fetch.ParseDataset(req.Dataset)
	if err != nil {
		return nil, err
	}

	if err := s.syncs.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for sync slot: %w", err)
	}
	defer s.syncs.Release(1)

	batch, err := s.fetch(ctx, req, ds)
	if err != nil {
		s.syncFailed(ctx, req, ds, err)
		return nil, fmt.Errorf("sync %s: %w", ds, err)
	}

	if err := s.store.MarkSyncState(ctx, req.UserID, store.SyncState{
		LastSyncAt: s.now().UTC(),
		Cursor:     batch.Cursor,
	}); err != nil {
		s.logger.Error("recording sync state failed",
			"user_id", req.UserID,
			"dataset", ds,
			"error", err)
	}

	res := &SyncResult{
		Dataset:    batch.Dataset,
		Source:     batch.Source,
		Days:       batch.Days,
		Windows:    len(batch.Windows),
		Records:    len(batch.Records),
		Duplicates: batch.Duplicates,
		Cursor:     batch.Cursor,
	}
	switch ds {
	case fetch.Sleeps:
		res.Sleeps = fetch.NormalizeSleeps(batch.Records)
	case fetch.Activities:
		res.Activities = fetch.NormalizeActivities(batch.Records)
	}

	s.logger.Info("sync completed",
		"user_id", req.UserID,
		"dataset", ds,
		"source", batch.Source,
		"records", res.Records,
		"duplicates", res.Duplicates)
	s.notifier.Notify(notify.Event{
		Type:         notify.SyncCompleted,
		UserID:       req.UserID,
		Dataset:      string(ds),
		Message:      fmt.Sprintf("%d records from %s", res.Records, batch.Source),
		MCPSessionID: req.MCPSessionID,
	})
	return res, nil
}

func (s *Service) fetch(ctx context.Context, req SyncRequest, ds fetch.Dataset) (*fetch.Batch, error) {
	token, err := s.tokens.GetValidAccessToken(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	return s.fetcher.Fetch(ctx, token, fetch.Request{
		Dataset: ds,
		Days:    req.Days,
		OnWindow: func(p fetch.Progress) {
			s.notifier.Notify(notify.Event{
				Type:         notify.SyncProgress,
				UserID:       req.UserID,
				Dataset:      string(ds),
				Message:      fmt.Sprintf("window %d/%d (%s)", p.Index, p.Total, p.Source),
				Progress:     p.Index,
				Total:        p.Total,
				MCPSessionID: req.MCPSessionID,
			})
		},
		OnFallback: func(string) {
			s.notifier.Notify(notify.Event{
				Type:         notify.SyncFallback,
				UserID:       req.UserID,
				Dataset:      string(ds),
				Message:      "upload protocol refused, switching to backfill",
				MCPSessionID: req.MCPSessionID,
			})
		},
	})
}

// syncFailed records the error on the connection. A cancelled caller is
// not a connection problem and leaves no trace.
func (s *Service) syncFailed(ctx context.Context, req SyncRequest, ds fetch.Dataset, cause error) {
	logger := s.logger.With("user_id", req.UserID, "dataset", ds)
	logger.Warn("sync failed", "error", cause)

	s.notifier.Notify(notify.Event{
		Type:         notify.SyncFailed,
		UserID:       req.UserID,
		Dataset:      string(ds),
		Message:      cause.Error(),
		MCPSessionID: req.MCPSessionID,
	})

	if errors.Is(cause, context.Canceled) || errors.Is(cause, errs.ErrNotConnected) ||
		errors.Is(cause, errs.ErrConnectionInactive) {
		return
	}

	// Bookkeeping must survive the caller's deadline.
	ctx = context.WithoutCancel(ctx)
	state := &store.ErrorState{Message: cause.Error(), At: s.now().UTC()}
	if err := s.store.MarkSyncState(ctx, req.UserID, store.SyncState{Error: state}); err != nil {
		logger.Error("recording sync error failed", "error", err)
	}

	if errors.Is(cause, errs.ErrReauthRequired) {
		err := s.store.UpdateStatus(ctx, store.StatusChange{
			UserID: req.UserID,
			Status: store.StatusError,
			Error:  state,
			At:     state.At,
		})
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("marking connection error failed", "error", err)
		}
		s.notifier.Notify(notify.Event{
			Type:         notify.ConnectionError,
			UserID:       req.UserID,
			Message:      "re-authentication required",
			MCPSessionID: req.MCPSessionID,
		})
		return
	}

	if unrecoverable(cause) {
		s.report(cause, map[string]string{
			"dataset": string(ds),
			"user_id": strconv.FormatInt(req.UserID, 10),
		})
	}
}

// unrecoverable reports failures that retrying the whole sync will not fix.
// Exhausted transient retries are reported by the resilience observer.
func unrecoverable(err error) bool {
	return errors.Is(err, errs.ErrProtocolFallbackExhausted) ||
		errors.Is(err, errs.ErrDecryption) ||
		errors.Is(err, errs.ErrVendorTerminal)
}

// TrainingLoadRequest configures a training load report.
type TrainingLoadRequest struct {
	UserID int64
	// ThresholdHeartRate enables heart-rate intensity when set.
	ThresholdHeartRate *float64
	// EndDate (YYYY-MM-DD) fixes the last day of the window.
	EndDate string
	// AnchorToLatest ends the window on the latest activity instead of today.
	AnchorToLatest bool
	MCPSessionID   string
}

// TrainingLoadReport is the engine result plus the sync it was built on.
type TrainingLoadReport struct {
	trainingload.Result
	Activities int          `json:"activities"`
	Source     fetch.Source `json:"source"`
}

// TrainingLoad syncs the activities of the 28 days ending on the requested
// date (today by default) and computes the acute:chronic workload report
// over them.
func (s *Service) TrainingLoad(ctx context.Context, req TrainingLoadRequest) (*TrainingLoadReport, error) {
	var end time.Time
	if req.EndDate != "" {
		d, err := time.Parse(time.DateOnly, req.EndDate)
		if err != nil {
			return nil, errs.Validation("end date must be YYYY-MM-DD")
		}
		end = d
	}
	if req.ThresholdHeartRate != nil && *req.ThresholdHeartRate <= 0 {
		return nil, errs.Validation("threshold heart rate must be positive")
	}

	days := trainingload.WindowDays
	if !end.IsZero() {
		today := s.now().UTC().Truncate(24 * time.Hour)
		if end.After(today) {
			return nil, errs.Validation("end date %s is in the future", req.EndDate)
		}
		// The sync reaches back from today, so it must also cover the
		// days between end and today.
		days += int(today.Sub(end).Hours() / 24)
		if days > s.maxDays {
			earliest := today.AddDate(0, 0, trainingload.WindowDays-s.maxDays)
			return nil, errs.Validation("end date must not be before %s", earliest.Format(time.DateOnly))
		}
	}

	res, err := s.Sync(ctx, SyncRequest{
		UserID:       req.UserID,
		Dataset:      string(fetch.Activities),
		Days:         days,
		MCPSessionID: req.MCPSessionID,
	})
	if err != nil {
		return nil, err
	}

	samples := Samples(res.Activities, req.ThresholdHeartRate)
	if end.IsZero() {
		end = s.now().UTC()
		if req.AnchorToLatest {
			if latest, ok := trainingload.LatestDate(samples); ok {
				end = latest
			}
		}
	}

	return &TrainingLoadReport{
		Result:     trainingload.Compute(samples, end),
		Activities: len(samples),
		Source:     res.Source,
	}, nil
}

// Samples converts normalized activities for the engine. Activities without
// a duration contribute no load and are skipped.
func Samples(activities []fetch.Activity, thresholdHR *float64) []trainingload.Sample {
	out := make([]trainingload.Sample, 0, len(activities))
	for _, a := range activities {
		if a.DurationSeconds == nil {
			continue
		}
		smp := trainingload.Sample{
			DurationSeconds:    float64(*a.DurationSeconds),
			AverageHeartRate:   a.AverageHeartRate,
			ThresholdHeartRate: thresholdHR,
			DistanceMeters:     a.DistanceMeters,
		}
		if a.CalendarDate != nil {
			smp.CalendarDate = *a.CalendarDate
		}
		if a.StartTime != nil {
			smp.StartTime = *a.StartTime
		}
		out = append(out, smp)
	}
	return out
}
