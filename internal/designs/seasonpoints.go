package designs

import (
	"context"
	"fmt"
	"html"
	"strings"

	"result-cards/internal/carddata"
	"result-cards/internal/cardtpl"
)

// seasonSize is the fixed square the standings card is drawn in.
var seasonSize = Size{Width: 1080, Height: 1080}

// seasonpoints is the season standings card. Its event is a project id.
type seasonpoints struct {
	r *Registry
}

func (d *seasonpoints) aggregate() bool { return true }

func (d *seasonpoints) mutations(ctx context.Context, event, _ string) ([]cardtpl.Mutation, error) {
	season, err := d.r.data.Season(ctx, event)
	if err != nil {
		return nil, err
	}

	var muts []cardtpl.Mutation
	if strings.Contains(season.ProjectName, "-") {
		parts := strings.Split(season.ProjectName, "-")
		if parts[0] != "" && parts[1] != "" {
			muts = append(muts,
				cardtpl.Text(".h-morado", parts[0]),
				cardtpl.Text(".season", parts[1]),
			)
		}
	} else {
		muts = append(muts,
			cardtpl.Text(".h-morado", season.ProjectName),
			cardtpl.Remove(".ciruclo"),
			cardtpl.Remove(".season"),
		)
	}

	for i := range carddata.TopStandings {
		var st carddata.Standing
		if i < len(season.Standings) {
			st = season.Standings[i]
		}
		item := fmt.Sprintf(".list-corredores .div-item-%d", i+1)
		if st.Logo.Value != "" {
			muts = append(muts, cardtpl.Attr(item+" .logo-box .logo-auto-corredor", "src", d.r.asset(st.Logo.Value)))
		}
		muts = append(muts,
			cardtpl.HTML(item+" .name-corredor .text-name-corredor", fmt.Sprintf(`%s <span class="span-name">%s</span>`,
				html.EscapeString(orDefault(st.FirstName, "unknown")),
				html.EscapeString(orDefault(st.LastName, "unknown")))),
			cardtpl.Text(item+" .number p", orDefault(st.TotalPoints, "0")),
		)
	}

	for i, sp := range season.Sponsors {
		muts = append(muts, cardtpl.HTML(
			fmt.Sprintf(".fotos-patrocinadores .patrocinador-%d", i+1),
			fmt.Sprintf(`<img src="%s" style="width: 100%%; height: 100%%;">`, html.EscapeString(d.r.asset(sp.Value))),
		))
	}
	return muts, nil
}

func (d *seasonpoints) size(context.Context, string, string, string) (Size, error) {
	return seasonSize, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
