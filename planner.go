package journey

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
)

type Mode string

const (
	ModeDirect   Mode = "direct"
	ModeTransfer Mode = "transfer"

	// Direct if one exists, otherwise one transfer.
	ModeBest Mode = "best"
)

// Parses a query mode. Blank means ModeBest.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBest:
		return ModeBest, nil
	case ModeDirect:
		return ModeDirect, nil
	case ModeTransfer:
		return ModeTransfer, nil
	}
	return "", fmt.Errorf("unknown mode '%s'", s)
}

type Query struct {
	From string
	To   string

	// Earliest departure, in service day seconds.
	At int

	Mode Mode
}

// Receives timing and outcome of every query.
type Metrics interface {
	ObserveQuery(kind string, found bool, d time.Duration)
}

type PlannerOption func(*Planner)

func WithMetrics(m Metrics) PlannerOption {
	return func(p *Planner) {
		p.metrics = m
	}
}

func WithLogger(logger *slog.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logger
	}
}

// Planner answers journey queries over a Schedule and TransferTable.
// All methods are safe for concurrent use.
type Planner struct {
	schedule  *Schedule
	transfers *TransferTable
	metrics   Metrics
	logger    *slog.Logger
}

func NewPlanner(schedule *Schedule, transfers *TransferTable, opts ...PlannerOption) *Planner {
	if schedule == nil {
		schedule = NewSchedule(nil, nil)
	}
	if transfers == nil {
		transfers = newTransferTable()
	}

	p := &Planner{
		schedule:  schedule,
		transfers: transfers,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)

	return p
}

func (p *Planner) Schedule() *Schedule {
	return p.schedule
}

func (p *Planner) Transfers() *TransferTable {
	return p.transfers
}

func (p *Planner) observe(kind string, found bool, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObserveQuery(kind, found, time.Since(start))
	}
}

// Finds the earliest departing ride from board to alight, leaving at
// or after nowSec. Among segments departing at the same time, the
// first in stop index order wins.
func (p *Planner) FindDirect(board, alight string, nowSec int) (model.Itinerary, bool) {
	start := time.Now()

	var best *model.Segment
	segments := p.schedule.FindSegments(board, alight, nowSec)
	for i := range segments {
		if best == nil || segments[i].DepartureSec < best.DepartureSec {
			best = &segments[i]
		}
	}

	p.observe(string(ModeDirect), best != nil, start)

	if best == nil {
		return model.Itinerary{}, false
	}
	return model.Itinerary{Legs: []model.Segment{*best}}, true
}

// Finds a journey from board to alight changing vehicles exactly
// once, via one of the transfer rules.
//
// The itinerary with the earliest first leg departure is selected,
// which is not necessarily the one arriving first. Ties go to the
// first candidate found, iterating rules in table order, then first
// legs, then second legs.
func (p *Planner) FindOneTransfer(board, alight string, nowSec int) (model.Itinerary, bool) {
	start := time.Now()

	var (
		best    model.Itinerary
		found   bool
		bestDep int
	)

	for _, rule := range p.transfers.Rules() {
		firstLegs := p.schedule.FindSegments(board, rule.FromStopID, nowSec)
		for _, s1 := range firstLegs {
			if found && s1.DepartureSec >= bestDep {
				// Can't beat the current best, and ties
				// keep the earlier candidate.
				continue
			}

			secondLegs := p.schedule.FindSegments(rule.ToStopID, alight, s1.ArrivalSec+rule.MinWaitSec)
			if len(secondLegs) == 0 {
				continue
			}

			r := rule
			best = model.Itinerary{
				Legs:     []model.Segment{s1, secondLegs[0]},
				Transfer: &r,
			}
			bestDep = s1.DepartureSec
			found = true
		}
	}

	p.observe(string(ModeTransfer), found, start)

	return best, found
}

// Answers a Query. The context is only checked before the search
// starts, as queries never block.
func (p *Planner) Plan(ctx context.Context, q Query) (model.Itinerary, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Itinerary{}, false, err
	}

	mode := q.Mode
	if mode == "" {
		mode = ModeBest
	}

	var (
		it    model.Itinerary
		found bool
	)
	switch mode {
	case ModeDirect:
		it, found = p.FindDirect(q.From, q.To, q.At)
	case ModeTransfer:
		it, found = p.FindOneTransfer(q.From, q.To, q.At)
	case ModeBest:
		it, found = p.FindDirect(q.From, q.To, q.At)
		if !found {
			it, found = p.FindOneTransfer(q.From, q.To, q.At)
		}
	default:
		return model.Itinerary{}, false, fmt.Errorf("unknown mode '%s'", q.Mode)
	}

	p.logger.Debug("plan",
		slog.String("from", q.From),
		slog.String("to", q.To),
		slog.Int("at", q.At),
		slog.String("mode", string(mode)),
		slog.Bool("found", found))

	return it, found, nil
}
