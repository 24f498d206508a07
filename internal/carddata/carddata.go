// Package carddata assembles the view models the card templates are filled
// from. Every lookup goes to a remote service; the Loader only merges and
// selects.
package carddata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/tidwall/gjson"
)

var (
	// ErrParticipantNotFound means the event results hold no row for the
	// requested individual id.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrAssetNotFound means a field-value lookup had no row for the team.
	ErrAssetNotFound = errors.New("asset not found")

	// ErrNoStandings means a season has no pilot points yet.
	ErrNoStandings = errors.New("no season standings")
)

// Source is the subset of the upstream client the Loader reads from.
type Source interface {
	ResultsByEvent(ctx context.Context, event string) ([]gjson.Result, error)
	FieldValues(ctx context.Context, fieldID int, itemID string) ([]gjson.Result, error)
	PilotPoints(ctx context.Context, projectID string) ([]gjson.Result, error)
}

// Participant is one result row of an event.
type Participant struct {
	IndividualID   string
	FirstName      string
	LastName       string
	Rank           string
	TrackName      string
	TrackShortName string
	TrackID        string
	Category       string
	TeamID         string
}

// Asset is a field value row: an asset path keyed by item id.
type Asset struct {
	ItemID string
	Value  string
}

// Card is the view model of a single participant card.
type Card struct {
	Participant Participant
	Background  Asset
	Brand       Asset
}

// Standing is one row of the season table.
type Standing struct {
	FirstName   string
	LastName    string
	TotalPoints string
	TeamID      string
	Logo        Asset
}

// Season is the view model of the season standings card.
type Season struct {
	ProjectName string
	Standings   []Standing
	Sponsors    []Asset
}

// Options selects the field ids, fallbacks and failure mode of a Loader.
type Options struct {
	BackgroundField int
	BrandField      int
	TeamLogoField   int
	SponsorField    int

	// DefaultTeam replaces a missing team_id on participant cards.
	DefaultTeam string
	// DefaultLogoTeam is asked for when a season team has no logo.
	DefaultLogoTeam string

	// Degrade keeps going with empty assets when a lookup fails instead of
	// returning the error. Missing participants are fatal either way.
	Degrade bool
}

// TopStandings is how many rows the season card shows.
const TopStandings = 10

// Loader runs the ordered lookups behind each card.
type Loader struct {
	src  Source
	opts Options
	log  *slog.Logger
}

// NewLoader returns a Loader reading from src.
func NewLoader(src Source, opts Options, log *slog.Logger) *Loader {
	return &Loader{src: src, opts: opts, log: log}
}

// ///////////////////////////////////////////////
// Participant cards
// ///////////////////////////////////////////////

// Results returns every participant of an event in upstream order.
func (l *Loader) Results(ctx context.Context, event string) ([]Participant, error) {
	rows, err := l.src.ResultsByEvent(ctx, event)
	if err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, participantFrom(r))
	}
	return out, nil
}

// Participant finds one participant of an event by individual id.
func (l *Loader) Participant(ctx context.Context, event, individualID string) (Participant, error) {
	rows, err := l.src.ResultsByEvent(ctx, event)
	if err != nil {
		return Participant{}, err
	}
	for _, r := range rows {
		if r.Get("individual_id").String() == individualID {
			return participantFrom(r), nil
		}
	}
	return Participant{}, fmt.Errorf("%w: %s in event %s", ErrParticipantNotFound, individualID, event)
}

// Card loads the participant and the team background and brand assets.
func (l *Loader) Card(ctx context.Context, event, individualID string) (*Card, error) {
	p, err := l.Participant(ctx, event, individualID)
	if err != nil {
		return nil, err
	}
	card := &Card{Participant: p}

	team := l.teamOf(p)
	if card.Background, err = l.teamAsset(ctx, l.opts.BackgroundField, team); err != nil {
		if err = l.degrade(err, "background", "event", event, "participant", individualID); err != nil {
			return nil, err
		}
	}
	if card.Brand, err = l.teamAsset(ctx, l.opts.BrandField, team); err != nil {
		if err = l.degrade(err, "brand", "event", event, "participant", individualID); err != nil {
			return nil, err
		}
	}
	return card, nil
}

// Background resolves only the background asset of a participant, which is
// all the size probe needs.
func (l *Loader) Background(ctx context.Context, event, individualID string) (Asset, error) {
	p, err := l.Participant(ctx, event, individualID)
	if err != nil {
		return Asset{}, err
	}
	return l.teamAsset(ctx, l.opts.BackgroundField, l.teamOf(p))
}

func (l *Loader) teamOf(p Participant) string {
	if p.TeamID == "" {
		return l.opts.DefaultTeam
	}
	return p.TeamID
}

func (l *Loader) teamAsset(ctx context.Context, field int, team string) (Asset, error) {
	rows, err := l.src.FieldValues(ctx, field, "")
	if err != nil {
		return Asset{}, err
	}
	if a, ok := findAsset(rows, team); ok {
		return a, nil
	}
	return Asset{}, fmt.Errorf("%w: field %d team %s", ErrAssetNotFound, field, team)
}

// ///////////////////////////////////////////////
// Season standings
// ///////////////////////////////////////////////

// Season loads the top standings of a project with their team logos and the
// project sponsors.
func (l *Loader) Season(ctx context.Context, projectID string) (*Season, error) {
	rows, err := l.src.PilotPoints(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: project %s", ErrNoStandings, projectID)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Get("total_points").Float() > rows[j].Get("total_points").Float()
	})
	if len(rows) > TopStandings {
		rows = rows[:TopStandings]
	}

	season := &Season{ProjectName: rows[0].Get("project_name").String()}
	for _, r := range rows {
		st := Standing{
			FirstName:   r.Get("first_name").String(),
			LastName:    r.Get("last_name").String(),
			TotalPoints: r.Get("total_points").String(),
			TeamID:      r.Get("team_id").String(),
		}
		if st.Logo, err = l.teamLogo(ctx, st.TeamID); err != nil {
			if err = l.degrade(err, "team logo", "project", projectID, "team", st.TeamID); err != nil {
				return nil, err
			}
		}
		season.Standings = append(season.Standings, st)
	}

	if season.Sponsors, err = l.sponsors(ctx, rows[0]); err != nil {
		if err = l.degrade(err, "sponsors", "project", projectID); err != nil {
			return nil, err
		}
	}
	return season, nil
}

func (l *Loader) teamLogo(ctx context.Context, team string) (Asset, error) {
	rows, err := l.src.FieldValues(ctx, l.opts.TeamLogoField, team)
	if err != nil {
		return Asset{}, err
	}
	if len(rows) == 0 {
		rows, err = l.src.FieldValues(ctx, l.opts.TeamLogoField, l.opts.DefaultLogoTeam)
		if err != nil {
			return Asset{}, err
		}
	}
	if len(rows) == 0 {
		return Asset{}, fmt.Errorf("%w: field %d team %s", ErrAssetNotFound, l.opts.TeamLogoField, team)
	}
	return assetFrom(rows[0]), nil
}

// sponsors resolves the project_sponsors id list of a standings row. The
// list is itself JSON encoded inside a string field.
func (l *Loader) sponsors(ctx context.Context, row gjson.Result) ([]Asset, error) {
	raw := row.Get("project_sponsors").String()
	if raw == "" || !gjson.Valid(raw) {
		return nil, nil
	}
	ids := gjson.Parse(raw).Array()
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := l.src.FieldValues(ctx, l.opts.SponsorField, "")
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(ids))
	for _, id := range ids {
		a, ok := findAsset(rows, id.String())
		if !ok {
			return nil, fmt.Errorf("%w: sponsor %s", ErrAssetNotFound, id.String())
		}
		out = append(out, a)
	}
	return out, nil
}

// ///////////////////////////////////////////////
// Helpers
// ///////////////////////////////////////////////

// degrade returns nil when the loader runs in degrade mode, after logging
// the lookup that failed.
func (l *Loader) degrade(err error, what string, args ...any) error {
	if !l.opts.Degrade {
		return fmt.Errorf("%s: %w", what, err)
	}
	l.log.Warn("lookup failed, continuing without "+what, append(args, "error", err)...)
	return nil
}

func participantFrom(r gjson.Result) Participant {
	return Participant{
		IndividualID:   r.Get("individual_id").String(),
		FirstName:      r.Get("first_name").String(),
		LastName:       r.Get("last_name").String(),
		Rank:           r.Get("rank").String(),
		TrackName:      r.Get("trackname").String(),
		TrackShortName: r.Get("trackshortname").String(),
		TrackID:        r.Get("trackid").String(),
		Category:       r.Get("Categoria").String(),
		TeamID:         r.Get("team_id").String(),
	}
}

func assetFrom(r gjson.Result) Asset {
	return Asset{ItemID: r.Get("item_id").String(), Value: r.Get("value").String()}
}

func findAsset(rows []gjson.Result, itemID string) (Asset, bool) {
	for _, r := range rows {
		if r.Get("item_id").String() == itemID {
			return assetFrom(r), true
		}
	}
	return Asset{}, false
}
