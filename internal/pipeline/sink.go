package pipeline

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/donorpath/prospect-cli/internal/model"
	"github.com/donorpath/prospect-cli/internal/store"
	"github.com/donorpath/prospect-cli/pkg/salesforce"
)

// sfObjectName is the CRM object enrichment results are written to.
const sfObjectName = "Contact"

// Sink persists triangulated results out of band. Writes are best effort:
// a failed enrichment write or CRM update is logged and dropped, never
// failing the item that produced it. The queue is bounded; when it is
// full the write is dropped with a warning rather than blocking workers.
type Sink struct {
	store store.Store
	sf    salesforce.Client

	queue chan sinkItem
	wg    sync.WaitGroup

	closeOnce sync.Once
}

type sinkItem struct {
	prospect model.Prospect
	result   *model.TriangulatedResult
}

// NewSink creates a sink with the given queue depth. sf may be nil when
// CRM writeback is not configured.
func NewSink(st store.Store, sf salesforce.Client, depth int) *Sink {
	if depth <= 0 {
		depth = 64
	}
	return &Sink{
		store: st,
		sf:    sf,
		queue: make(chan sinkItem, depth),
	}
}

// Start launches the sink worker. The worker drains the queue until
// Close is called; ctx bounds each individual write, not the worker.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for item := range s.queue {
			s.write(ctx, item)
		}
	}()
}

// Enqueue hands a result to the sink without blocking. Returns false if
// the queue was full and the write dropped.
func (s *Sink) Enqueue(prospect model.Prospect, result *model.TriangulatedResult) bool {
	select {
	case s.queue <- sinkItem{prospect: prospect, result: result}:
		return true
	default:
		zap.L().Warn("sink queue full, dropping enrichment write",
			zap.String("prospect_id", prospect.ID),
		)
		return false
	}
}

// Close stops accepting writes and waits for queued writes to finish.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	s.wg.Wait()
}

func (s *Sink) write(ctx context.Context, item sinkItem) {
	if err := s.store.SaveEnrichment(ctx, item.prospect.ID, item.result); err != nil {
		zap.L().Warn("sink: save enrichment failed",
			zap.String("prospect_id", item.prospect.ID),
			zap.Error(err),
		)
	}

	if s.sf == nil || item.prospect.CRMRecordID == "" {
		return
	}

	if err := s.sf.UpdateOne(ctx, sfObjectName, item.prospect.CRMRecordID, crmFields(item.result)); err != nil {
		zap.L().Warn("sink: crm update failed",
			zap.String("prospect_id", item.prospect.ID),
			zap.String("crm_record_id", item.prospect.CRMRecordID),
			zap.Error(err),
		)
	}
}

// crmFields maps a triangulated result onto the custom fields of the
// CRM enrichment package.
func crmFields(result *model.TriangulatedResult) map[string]any {
	fields := map[string]any{
		"Research_Narrative__c": result.Narrative,
	}
	if len(result.Insights) > 0 {
		fields["Research_Insights__c"] = strings.Join(result.Insights, "\n")
	}
	if f, ok := result.Fields["net_worth"]; ok {
		fields["Estimated_Net_Worth__c"] = f.Value
		fields["Net_Worth_Confidence__c"] = string(f.Confidence)
	}
	return fields
}
