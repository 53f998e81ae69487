package job

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata"
)

// ChunkSize is the widest window a single work item covers.
const ChunkSize = 7 * 24 * time.Hour

// WorkItem is one instrument/timeframe/window unit of a job.
type WorkItem struct {
	Instrument string           `json:"instrument"`
	Timeframe  candle.Timeframe `json:"timeframe"`
	StartDate  time.Time        `json:"start_date"`
	EndDate    time.Time        `json:"end_date"`
}

func (w WorkItem) Item() WorkItem { return w }

func (w WorkItem) String() string {
	return fmt.Sprintf("%s/%s %s..%s", w.Instrument, w.Timeframe,
		w.StartDate.Format(time.RFC3339), w.EndDate.Format(time.RFC3339))
}

// EstimateTotalItems is |instruments| x |timeframes| x ceil(window / 7d),
// with at least one chunk per pair.
func EstimateTotalItems(instruments, timeframes int, from, to time.Time) int {
	chunks := int(math.Ceil(float64(to.Sub(from)) / float64(ChunkSize)))
	return instruments * timeframes * max(1, chunks)
}

// WorkItems expands the job into its ordered work items: instruments outer,
// timeframes inner, windows in time order.
//
// When resuming from a checkpoint, pairs before the checkpointed pair are
// skipped, the checkpointed pair restarts at LastDate and later pairs get
// their full window. A checkpoint naming a pair the job no longer has
// regenerates everything.
func (j *Job) WorkItems(resume bool) []WorkItem {
	startPair := 0
	var resumeFrom time.Time

	if resume && j.Checkpoint != nil {
		ii := slices.Index(j.Instruments, j.Checkpoint.LastInstrument)
		ti := slices.Index(j.Timeframes, j.Checkpoint.LastTimeframe)
		if ii >= 0 && ti >= 0 {
			startPair = ii*len(j.Timeframes) + ti
			resumeFrom = j.Checkpoint.LastDate
		}
	}

	var items []WorkItem
	pair := 0
	for _, inst := range j.Instruments {
		for _, tf := range j.Timeframes {
			idx := pair
			pair++
			if idx < startPair {
				continue
			}

			from := j.StartDate
			if idx == startPair && resumeFrom.After(from) {
				from = resumeFrom
			}
			for _, r := range marketdata.SplitRange(from, j.EndDate, ChunkSize) {
				items = append(items, WorkItem{
					Instrument: inst,
					Timeframe:  tf,
					StartDate:  r.From,
					EndDate:    r.To,
				})
			}
		}
	}
	return items
}

// Task is the per-type unit of work handed to a processor.
type Task interface {
	Item() WorkItem
	JobType() Type
}

type BackfillTask struct {
	WorkItem
	BatchSize int
}

type DetectionTask struct {
	WorkItem
	BatchSize int
}

type ValidationTask struct {
	WorkItem
	BatchSize int
}

type ReprocessTask struct {
	WorkItem
}

func (BackfillTask) JobType() Type   { return TypeHistoricalBackfill }
func (DetectionTask) JobType() Type  { return TypeResistanceDetection }
func (ValidationTask) JobType() Type { return TypeDataValidation }
func (ReprocessTask) JobType() Type  { return TypeReprocessing }

// NewTask wraps item in the variant for t.
func NewTask(t Type, item WorkItem, batchSize int) (Task, error) {
	switch t {
	case TypeHistoricalBackfill:
		return BackfillTask{WorkItem: item, BatchSize: batchSize}, nil
	case TypeResistanceDetection:
		return DetectionTask{WorkItem: item, BatchSize: batchSize}, nil
	case TypeDataValidation:
		return ValidationTask{WorkItem: item, BatchSize: batchSize}, nil
	case TypeReprocessing:
		return ReprocessTask{WorkItem: item}, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", t)
	}
}
