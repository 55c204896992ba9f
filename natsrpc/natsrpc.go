package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	journey "tidbyt.dev/journey"
	"tidbyt.dev/journey/logging"
	"tidbyt.dev/journey/model"
	"tidbyt.dev/journey/parse"
)

const DefaultTimeout = 5 * time.Second

// Where planners come from. Implemented by journey.Manager.
type PlannerSource interface {
	Current(source string) (*journey.Planner, error)
}

type Request struct {
	Feed string `json:"feed,omitempty"`
	From string `json:"from"`
	To   string `json:"to"`

	// HH:MM:SS, seconds, or empty for the start of the service day.
	At   string `json:"at"`
	Mode string `json:"mode"`
}

type Reply struct {
	Itinerary *model.Itinerary `json:"itinerary"`
	Error     string           `json:"error,omitempty"`
}

// Service answers plan requests on <prefix>.plan.
type Service struct {
	Source  PlannerSource
	Feed    string
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger

	sub *nats.Subscription
}

func NewService(source PlannerSource, feed string, prefix string, logger *slog.Logger) *Service {
	return &Service{
		Source:  source,
		Feed:    feed,
		Prefix:  prefix,
		Timeout: DefaultTimeout,
		Logger:  logging.OrDefault(logger),
	}
}

func (s *Service) Subject() string {
	return strings.TrimSuffix(s.Prefix, ".") + ".plan"
}

// Subscribes to the plan subject on nc. Requests are handled in a
// queue group, so several instances can share the load.
func (s *Service) Start(nc *nats.Conn) error {
	sub, err := nc.QueueSubscribe(s.Subject(), "journey", func(msg *nats.Msg) {
		ctx := logging.WithLogger(context.Background(),
			logging.OrDefault(s.Logger).With(slog.String("subject", msg.Subject)))
		reply := s.Handle(ctx, msg.Data)
		if err := msg.Respond(reply); err != nil {
			logging.LogError(s.Logger, "responding to plan request", err,
				slog.String("subject", msg.Subject))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", s.Subject(), err)
	}
	s.sub = sub

	logging.OrDefault(s.Logger).Info("nats_listening", slog.String("subject", s.Subject()))
	return nil
}

func (s *Service) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

// Handles a single encoded Request, returning an encoded Reply.
func (s *Service) Handle(ctx context.Context, data []byte) []byte {
	reply := s.handle(ctx, data)

	body, err := json.Marshal(reply)
	if err != nil {
		// Can't happen with these types
		logging.LogError(logging.FromContext(ctx), "encoding plan reply", err)
		return []byte(`{"itinerary":null,"error":"internal error"}`)
	}
	return body
}

func (s *Service) handle(ctx context.Context, data []byte) Reply {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Reply{Error: fmt.Sprintf("decoding request: %s", err)}
	}

	if req.From == "" || req.To == "" {
		return Reply{Error: "from and to are required"}
	}

	at, err := parse.ParseQueryTime(req.At)
	if err != nil {
		return Reply{Error: fmt.Sprintf("bad at: %s", err)}
	}

	mode, err := journey.ParseMode(req.Mode)
	if err != nil {
		return Reply{Error: err.Error()}
	}

	feed := req.Feed
	if feed == "" {
		feed = s.Feed
	}

	planner, err := s.Source.Current(feed)
	if err != nil {
		return Reply{Error: fmt.Sprintf("feed %s: %s", feed, err)}
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	it, found, err := planner.Plan(ctx, journey.Query{
		From: req.From,
		To:   req.To,
		At:   at,
		Mode: mode,
	})
	if err != nil {
		return Reply{Error: err.Error()}
	}

	logging.FromContext(ctx).Debug("plan request",
		slog.String("feed", feed),
		slog.String("from", req.From),
		slog.String("to", req.To),
		slog.String("mode", string(mode)),
		slog.Bool("found", found))

	if !found {
		return Reply{}
	}
	return Reply{Itinerary: &it}
}
