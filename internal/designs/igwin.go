package designs

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"result-cards/internal/cardtpl"
)

// igwin is the per-participant result card.
type igwin struct {
	r *Registry
}

func (d *igwin) aggregate() bool { return false }

func (d *igwin) mutations(ctx context.Context, event, participant string) ([]cardtpl.Mutation, error) {
	card, err := d.r.data.Card(ctx, event, participant)
	if err != nil {
		return nil, err
	}
	p := card.Participant

	category := strings.TrimSpace(strings.Split(p.Category, "-")[0])
	muts := []cardtpl.Mutation{cardtpl.Text(".siglas-categoria", category)}
	muts = append(muts, categoryStyle(utf8.RuneCountInString(category))...)

	nameSize := "10em"
	if utf8.RuneCountInString(p.FirstName)+utf8.RuneCountInString(p.LastName) > 14 {
		nameSize = "8em"
	}
	muts = append(muts,
		cardtpl.Text(".nombre-corredor", p.FirstName+" "+p.LastName),
		cardtpl.CSS(".nombre-corredor", "font-size", nameSize),
		cardtpl.Text(".posicion", "P"+p.Rank),
		cardtpl.Style(".posicion", "font-size: 12em;"),
		cardtpl.Text(".location-name", p.TrackName),
		cardtpl.Attr(".img-flag", "src", d.r.asset(fmt.Sprintf("images/templates/country_48x76/%s.png", p.TrackID))),
		cardtpl.Remove(".img-corredor"),
		cardtpl.Attr(".brand-image", "src", d.r.asset(card.Brand.Value)),
		cardtpl.Attr(".img-feed", "src", d.r.asset(card.Background.Value)),
	)
	return muts, nil
}

// categoryStyle shrinks long category labels. The cases are evaluated in
// this order, so only the first one can ever match.
func categoryStyle(n int) []cardtpl.Mutation {
	var font, height string
	switch {
	case n > 6:
		font, height = "30px", "30px"
	case n > 8:
		font, height = "25px", "25px"
	case n > 14:
		font, height = "20PX", "20px"
	default:
		return nil
	}
	return []cardtpl.Mutation{
		cardtpl.Style(".siglas-categoria", "font-size: "+font+";"),
		cardtpl.Style(".parrafo-categoria", "font-size: "+font+";"),
		cardtpl.Style(".border-blanco", "height: "+height+";"),
	}
}

// size reads the width and height attributes of the background image. A
// template without them gets the natural size of the team background.
func (d *igwin) size(ctx context.Context, tpl, event, participant string) (Size, error) {
	html, err := d.r.store.Index(tpl)
	if err != nil {
		return Size{}, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Size{}, fmt.Errorf("parse template %s: %w", tpl, err)
	}
	feed := doc.Find(".img-feed").First()
	w, okW := parseInt(feed.AttrOr("width", ""))
	h, okH := parseInt(feed.AttrOr("height", ""))
	if okW && okH {
		return Size{Width: w, Height: h}, nil
	}

	bg, err := d.r.data.Background(ctx, event, participant)
	if err != nil {
		return Size{}, err
	}
	if bg.Value == "" {
		return Size{}, fmt.Errorf("%w: %s has no background for event %s", ErrSizeNotFound, tpl, event)
	}
	return d.r.probeSize(ctx, d.r.asset(bg.Value))
}
