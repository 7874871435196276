package display

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ponytojas/arrivalboard/internal/arrivals"
)

const maxRouteLabel = 3

// Presenter lays out arrival summaries on a Surface. It owns the surface;
// callers must not draw on it directly.
type Presenter struct {
	surface Surface
	station string
	routes  []string
	now     func() time.Time
	loc     *time.Location
}

type Option func(*Presenter)

// WithLocation sets the zone used for the update clock in the footer.
func WithLocation(loc *time.Location) Option {
	return func(p *Presenter) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithRoutes lists the lines serving the station after its name in the
// header, when they fit.
func WithRoutes(routes []string) Option {
	return func(p *Presenter) {
		p.routes = p.routes[:0]
		for _, r := range routes {
			if r = strings.TrimSpace(r); r != "" {
				p.routes = append(p.routes, truncate(r, maxRouteLabel))
			}
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(p *Presenter) { p.now = now }
}

func NewPresenter(surface Surface, station string, opts ...Option) *Presenter {
	p := &Presenter{
		surface: surface,
		station: station,
		now:     time.Now,
		loc:     time.Local,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Ready draws a splash frame, proving the surface accepts commits.
func (p *Presenter) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.surface.Clear()
	p.header("")
	p.surface.DrawText(0, 1, "Loading...")
	return p.surface.Commit()
}

// Render draws one line per direction in summary order. A stale frame keeps
// the numbers but flags the header.
func (p *Presenter) Render(summary arrivals.Summary, stale bool) error {
	cols, _ := p.surface.Size()
	p.surface.Clear()
	mark := ""
	if stale {
		mark = "?"
	}
	p.header(mark)
	y := 1
	for _, d := range arrivals.Directions() {
		p.surface.DrawText(0, y, DirectionLine(d, summary.PerDirection[d], cols))
		y++
	}
	p.footer("upd " + p.now().In(p.loc).Format("15:04"))
	return p.surface.Commit()
}

func (p *Presenter) RenderUnavailable() error {
	p.surface.Clear()
	p.header("!")
	p.surface.DrawText(0, 1, "Data unavailable")
	p.footer("retrying")
	return p.surface.Commit()
}

func (p *Presenter) Clear() error {
	p.surface.Clear()
	return p.surface.Commit()
}

// header shows the station name, then its routes if the whole line fits, then
// the status mark. The mark always stays visible.
func (p *Presenter) header(mark string) {
	cols, _ := p.surface.Size()
	title := p.station
	if len(p.routes) > 0 {
		withRoutes := title + " " + strings.Join(p.routes, " ")
		if mark != "" {
			withRoutes += " " + mark
		}
		if len([]rune(withRoutes)) <= cols {
			p.surface.DrawText(0, 0, withRoutes)
			return
		}
	}
	if mark != "" {
		title = truncate(title, cols-len(mark)-1) + " " + mark
	}
	p.surface.DrawText(0, 0, truncate(title, cols))
}

// footer goes on the last row, if the surface has one below the directions.
func (p *Presenter) footer(text string) {
	cols, rows := p.surface.Size()
	y := rows - 1
	if y <= len(arrivals.Directions()) {
		return
	}
	text = truncate(text, cols)
	p.surface.DrawText(cols-len([]rune(text)), y, text)
}

// DirectionLine formats one direction, e.g. "UP: A 3, C 7, E 15 min". When
// the line is wider than width it sheds route labels first and then the
// "min" suffix; the minute values are never dropped. A width of zero or less
// means unlimited.
func DirectionLine(d arrivals.Direction, entries []arrivals.Entry, width int) string {
	if len(entries) == 0 {
		return d.Short() + ": no data"
	}
	labelled := make([]string, len(entries))
	bare := make([]string, len(entries))
	for i, e := range entries {
		mins := strconv.Itoa(e.Minutes)
		bare[i] = mins
		if route := truncate(e.RouteID, maxRouteLabel); route != "" {
			labelled[i] = route + " " + mins
		} else {
			labelled[i] = mins
		}
	}
	line := fmt.Sprintf("%s: %s min", d.Short(), strings.Join(labelled, ", "))
	if width <= 0 || len(line) <= width {
		return line
	}
	line = fmt.Sprintf("%s: %s min", d.Short(), strings.Join(bare, ", "))
	if len(line) <= width {
		return line
	}
	return fmt.Sprintf("%s: %s", d.Short(), strings.Join(bare, ", "))
}

// MinLineWidth is the widest line DirectionLine can need once labels and the
// suffix are shed, for capacity arrivals of at most digits digits each.
func MinLineWidth(capacity, digits int) int {
	if capacity <= 0 {
		return 0
	}
	prefix := 0
	for _, d := range arrivals.Directions() {
		if n := len(d.Short()) + 2; n > prefix {
			prefix = n
		}
	}
	return prefix + capacity*digits + (capacity-1)*2
}

func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
