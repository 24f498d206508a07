// Package dispatch sends rendered cards to the messaging bot, for one
// participant, for every participant of an event, or for every participant
// of every recently finished event.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"result-cards/internal/carddata"
	"result-cards/internal/imagecache"
)

var (
	// ErrBadRequest is returned for a participant without an event.
	ErrBadRequest = errors.New("invalid event and participant combination")

	// ErrNoResults means an event has no result rows.
	ErrNoResults = errors.New("event has no results")
)

// Mode is the fan-out a request selects.
type Mode string

const (
	// ModeSingle sends one participant's card.
	ModeSingle Mode = "single"
	// ModeEvent sends the cards of every participant of one event.
	ModeEvent Mode = "event"
	// ModeRecent sends the cards of every recently finished event.
	ModeRecent Mode = "recent"
)

// All is the id meaning "every event" or "every participant".
const All = "0"

// ModeOf maps an (event, participant) pair to its mode.
func ModeOf(event, participant string) (Mode, error) {
	switch {
	case event == "" || participant == "":
		return "", fmt.Errorf("%w: missing event or participant", ErrBadRequest)
	case event != All && participant != All:
		return ModeSingle, nil
	case event != All:
		return ModeEvent, nil
	case participant == All:
		return ModeRecent, nil
	default:
		return "", fmt.Errorf("%w: participant %s without event", ErrBadRequest, participant)
	}
}

// Request is one dispatch job.
type Request struct {
	BatchID     string
	Template    string
	Event       string
	Participant string
}

// Payload is the body posted to the bot.
type Payload struct {
	Participant PayloadParticipant `json:"participant"`
}

// PayloadParticipant is what the bot needs to message one participant.
type PayloadParticipant struct {
	Image     string `json:"image"`
	Phone     string `json:"phone"`
	Name      string `json:"name"`
	Rank      string `json:"rank"`
	EventName string `json:"eventName"`
}

// Result is the outcome for one participant. Errors lists every stage that
// failed; an empty list means the bot accepted the card.
type Result struct {
	ParticipantID string          `json:"participant_id"`
	DataSent      *Payload        `json:"dataSent"`
	BotResponse   json.RawMessage `json:"bot_response"`
	Errors        []string        `json:"errors"`
}

// EventResult groups the results of one event in ModeRecent.
type EventResult struct {
	Event        string   `json:"event"`
	Participants []Result `json:"participants"`
	Error        string   `json:"error,omitempty"`
}

// Batch is the outcome of one job.
type Batch struct {
	BatchID  string        `json:"batch_id"`
	Mode     Mode          `json:"mode"`
	Template string        `json:"template"`
	Results  []Result      `json:"results,omitempty"`
	Events   []EventResult `json:"events,omitempty"`
}

// Counts returns how many participants were sent and how many failed.
func (b *Batch) Counts() (sent, failed int) {
	count := func(rs []Result) {
		for _, r := range rs {
			if len(r.Errors) == 0 {
				sent++
			} else {
				failed++
			}
		}
	}
	count(b.Results)
	for _, ev := range b.Events {
		count(ev.Participants)
	}
	return sent, failed
}

// ///////////////////////////////////////////////
// Worker
// ///////////////////////////////////////////////

// Images makes sure a card exists on disk.
type Images interface {
	Ensure(ctx context.Context, k imagecache.Key) (string, error)
}

// Keys builds the cache key of a card.
type Keys interface {
	Key(name, event, participant string) imagecache.Key
}

// Results reads event results.
type Results interface {
	Results(ctx context.Context, event string) ([]carddata.Participant, error)
	Participant(ctx context.Context, event, individualID string) (carddata.Participant, error)
}

// Upstream is the remote side of a dispatch.
type Upstream interface {
	Users(ctx context.Context, individualID string) ([]gjson.Result, error)
	LatestEvents(ctx context.Context, beforeHours, futureHours int) ([]gjson.Result, error)
	PostJSON(ctx context.Context, url string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Config holds the addresses and window of a Worker.
type Config struct {
	// PublicURL is the base URL the bot downloads images from.
	PublicURL string
	// BotURL receives one POST per participant.
	BotURL     string
	BotTimeout time.Duration
	// WindowBefore and WindowFuture bound the recent events listing, in
	// hours.
	WindowBefore int
	WindowFuture int
}

// Worker runs dispatch jobs. Participants are processed one at a time.
type Worker struct {
	images  Images
	keys    Keys
	results Results
	up      Upstream
	cfg     Config
	log     *slog.Logger
}

// NewWorker returns a Worker.
func NewWorker(images Images, keys Keys, results Results, up Upstream, cfg Config, log *slog.Logger) *Worker {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &Worker{
		images:  images,
		keys:    keys,
		results: results,
		up:      up,
		cfg:     cfg,
		log:     log,
	}
}

// Run executes one job. An error means the job could not start its
// fan-out; failures of single participants are reported inside the batch.
func (w *Worker) Run(ctx context.Context, req Request) (*Batch, error) {
	mode, err := ModeOf(req.Event, req.Participant)
	if err != nil {
		return nil, err
	}
	b := &Batch{BatchID: req.BatchID, Mode: mode, Template: req.Template}
	log := w.log.With("batch", req.BatchID, "template", req.Template)

	switch mode {
	case ModeSingle:
		p, err := w.results.Participant(ctx, req.Event, req.Participant)
		if err != nil {
			return nil, err
		}
		b.Results = []Result{w.send(ctx, log, req.Template, req.Event, p)}

	case ModeEvent:
		b.Results, err = w.sendEvent(ctx, log, req.Template, req.Event)
		if err != nil {
			return nil, err
		}

	case ModeRecent:
		events, err := w.up.LatestEvents(ctx, w.cfg.WindowBefore, w.cfg.WindowFuture)
		if err != nil {
			return nil, err
		}
		log.Info("recent events listed", "count", len(events))
		for _, ev := range events {
			id := ev.Get("id").String()
			res := EventResult{Event: id}
			if res.Participants, err = w.sendEvent(ctx, log, req.Template, id); err != nil {
				log.Warn("event skipped", "event", id, "error", err)
				res.Participants = []Result{}
				res.Error = err.Error()
			}
			b.Events = append(b.Events, res)
		}
	}
	return b, nil
}

func (w *Worker) sendEvent(ctx context.Context, log *slog.Logger, template, event string) ([]Result, error) {
	participants, err := w.results.Results(ctx, event)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, event)
	}
	out := make([]Result, 0, len(participants))
	for _, p := range participants {
		out = append(out, w.send(ctx, log, template, event, p))
	}
	return out, nil
}

// send runs the stages for one participant. The first failing stage ends
// the participant.
func (w *Worker) send(ctx context.Context, log *slog.Logger, template, event string, p carddata.Participant) Result {
	res := Result{ParticipantID: p.IndividualID, Errors: []string{}}
	fail := func(stage string, err error) Result {
		res.Errors = append(res.Errors, stage+": "+err.Error())
		log.Warn("participant not sent", "event", event, "participant", p.IndividualID, "stage", stage, "error", err)
		return res
	}

	key := w.keys.Key(template, event, p.IndividualID)
	if _, err := w.images.Ensure(ctx, key); err != nil {
		return fail("image", err)
	}

	users, err := w.up.Users(ctx, p.IndividualID)
	if err != nil {
		return fail("user", err)
	}
	if len(users) == 0 {
		return fail("user", errors.New("no contact data"))
	}

	res.DataSent = &Payload{Participant: PayloadParticipant{
		Image:     w.imageURL(key),
		Phone:     users[0].Get("celular").String(),
		Name:      p.FirstName,
		Rank:      p.Rank,
		EventName: p.TrackShortName,
	}}
	resp, err := w.up.PostJSON(ctx, w.cfg.BotURL, res.DataSent, w.cfg.BotTimeout)
	if err != nil {
		return fail("bot", err)
	}
	res.BotResponse = resp

	log.Info("participant sent", "event", event, "participant", p.IndividualID)
	return res
}

func (w *Worker) imageURL(k imagecache.Key) string {
	return w.cfg.PublicURL + "/images?" + url.Values{"file": {k.Filename()}}.Encode()
}
