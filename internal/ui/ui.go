package ui

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"

	"github.com/doridoridoriand/latency-probe/internal/config"
	"github.com/doridoridoriand/latency-probe/internal/state"
)

const (
	uiRefreshInterval = 500 * time.Millisecond
	minBoxHeight      = 4
	defaultScale      = 10
)

// SnapshotSource yields the configuration in effect.
type SnapshotSource interface {
	Load() *config.Snapshot
}

// RowSource yields aggregated rows.
type RowSource interface {
	Snapshot() []state.Row
}

// Option configures a UI.
type Option func(*UI)

// WithTicks shows the scheduler's cycle count in the header.
func WithTicks(ticks func() uint64) Option {
	return func(u *UI) { u.ticks = ticks }
}

// WithScale sets how many milliseconds one bar cell represents.
func WithScale(ms int) Option {
	return func(u *UI) { u.scale = ms }
}

// UI renders a live view of every (target, kind) series.
type UI struct {
	source    SnapshotSource
	rows      RowSource
	ticks     func() uint64
	scale     int
	newScreen func() (tcell.Screen, error)
}

// New returns a UI instance.
func New(source SnapshotSource, rows RowSource, opts ...Option) *UI {
	u := &UI{source: source, rows: rows, scale: defaultScale, newScreen: tcell.NewScreen}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Run blocks until the context is cancelled or the user quits.
func (u *UI) Run(ctx context.Context) error {
	screen, err := u.newScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	screen.HideCursor()
	defer screen.Fini()

	eventCh := make(chan tcell.Event, 1)
	go func() {
		for {
			ev := screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case eventCh <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(uiRefreshInterval)
	defer ticker.Stop()

	u.render(screen, u.rows.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-eventCh:
			if quit := handleEvent(screen, ev); quit {
				return context.Canceled
			}
		case <-ticker.C:
			u.render(screen, u.rows.Snapshot())
		}
	}
}

// handleEvent reports whether ev asks to quit.
func handleEvent(screen tcell.Screen, ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		return ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q'
	case *tcell.EventResize:
		screen.Sync()
	}
	return false
}

func (u *UI) render(screen tcell.Screen, rows []state.Row) {
	screen.Clear()
	width, height := screen.Size()
	if width < 20 || height < 5 {
		screen.Show()
		return
	}

	header := fmt.Sprintf(" latency-probe  %s", time.Now().Format("2006-01-02 15:04:05"))
	if u.ticks != nil {
		header += "  cycles=" + humanize.Comma(int64(u.ticks()))
	}
	header += "  (q to quit)"
	put(screen, 0, 0, width, line{{text: header, style: tcell.StyleDefault.Bold(true)}})
	put(screen, 0, 1, width, line{{text: formatConfigInfo(u.source.Load()), style: tcell.StyleDefault.Foreground(tcell.ColorGray)}})

	y := 2
	for _, group := range groupRows(rows) {
		if height-y < minBoxHeight {
			break
		}
		boxHeight := min(len(group.Rows)+2, height-y)
		u.drawGroupBox(screen, 0, y, width, boxHeight, group)
		y += boxHeight
	}

	screen.Show()
}

type rowGroup struct {
	Kind config.Kind
	Rows []state.Row
}

// groupRows groups rows by probe kind, in declaration order of the kinds.
func groupRows(rows []state.Row) []rowGroup {
	if len(rows) == 0 {
		return nil
	}
	byKind := make(map[config.Kind][]state.Row)
	for _, row := range rows {
		byKind[row.Kind] = append(byKind[row.Kind], row)
	}
	kinds := make([]config.Kind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	result := make([]rowGroup, 0, len(kinds))
	for _, kind := range kinds {
		group := byKind[kind]
		sort.Slice(group, func(i, j int) bool { return group[i].Target < group[j].Target })
		result = append(result, rowGroup{Kind: kind, Rows: group})
	}
	return result
}

func (u *UI) drawGroupBox(screen tcell.Screen, x, y, width, height int, group rowGroup) {
	frame(screen, x, y, width, height)
	title := line{{text: fmt.Sprintf(" %s ", group.Kind), style: tcell.StyleDefault.Bold(true)}}
	put(screen, x+2, y, len(title[0].text), title)

	for i, row := range group.Rows {
		if i >= height-2 {
			break
		}
		put(screen, x+1, y+1+i, width-2, u.formatRowLine(width-2, row))
	}
}

func (u *UI) formatRowLine(width int, row state.Row) line {
	style := healthStyle(row.Health)
	last := row.LastLatency
	if !row.HasLatency {
		last = 0
	}

	var l line
	l = l.add(fixed(row.Target, min(16, width)), tcell.StyleDefault)
	l = l.add(fixed(string(row.Health), 7), style)
	l = l.add(fixed("LAST:"+formatLatency(last), 13), tcell.StyleDefault)
	l = l.add(fixed("AVG:"+formatLatency(row.RecentMean()), 12), tcell.StyleDefault)
	l = l.add(fixed(fmt.Sprintf("LOSS:%.1f%%", lossPercent(row)), 11), style)
	l = l.add(fixed("TO:"+humanize.Comma(int64(row.Timeouts)), 9), tcell.StyleDefault)
	l = l.add(fixed("ERR:"+humanize.Comma(int64(row.ErrorTotal())), 10), tcell.StyleDefault)

	if rest := width - l.width(); rest > 0 {
		l = append(l, segment{text: buildBar(last, u.scale, rest), style: style})
	}
	return l.truncate(width)
}

func buildBar(latency time.Duration, scale int, width int) string {
	if width <= 0 {
		return ""
	}
	if scale <= 0 {
		scale = defaultScale
	}
	ms := float64(latency) / float64(time.Millisecond)
	if ms <= 0 {
		return strings.Repeat(" ", width)
	}
	units := int(math.Ceil(ms / float64(scale)))
	if units > width {
		units = width
	}
	return strings.Repeat("#", units) + strings.Repeat(" ", width-units)
}

// segment is a run of text drawn with one style.
type segment struct {
	text  string
	style tcell.Style
}

type line []segment

// add appends text followed by a one-cell gap.
func (l line) add(text string, style tcell.Style) line {
	return append(l, segment{text: text, style: style}, segment{text: " ", style: tcell.StyleDefault})
}

func (l line) width() int {
	n := 0
	for _, seg := range l {
		n += utf8.RuneCountInString(seg.text)
	}
	return n
}

func (l line) String() string {
	var b strings.Builder
	for _, seg := range l {
		b.WriteString(seg.text)
	}
	return b.String()
}

func (l line) truncate(width int) line {
	out := make(line, 0, len(l))
	room := width
	for _, seg := range l {
		if room <= 0 {
			break
		}
		runes := []rune(seg.text)
		if len(runes) > room {
			runes = runes[:room]
		}
		out = append(out, segment{text: string(runes), style: seg.style})
		room -= len(runes)
	}
	return out
}

// put draws l at (x, y) and blanks the rest of the width cells.
func put(screen tcell.Screen, x, y, width int, l line) {
	col := x
	for _, seg := range l.truncate(width) {
		for _, r := range seg.text {
			screen.SetContent(col, y, r, nil, seg.style)
			col++
		}
	}
	for ; col < x+width; col++ {
		screen.SetContent(col, y, ' ', nil, tcell.StyleDefault)
	}
}

func frame(screen tcell.Screen, x, y, width, height int) {
	if width < 2 || height < 2 {
		return
	}
	x1, y1 := x+width-1, y+height-1
	for col := x + 1; col < x1; col++ {
		screen.SetContent(col, y, tcell.RuneHLine, nil, tcell.StyleDefault)
		screen.SetContent(col, y1, tcell.RuneHLine, nil, tcell.StyleDefault)
	}
	for row := y + 1; row < y1; row++ {
		screen.SetContent(x, row, tcell.RuneVLine, nil, tcell.StyleDefault)
		screen.SetContent(x1, row, tcell.RuneVLine, nil, tcell.StyleDefault)
	}
	screen.SetContent(x, y, tcell.RuneULCorner, nil, tcell.StyleDefault)
	screen.SetContent(x1, y, tcell.RuneURCorner, nil, tcell.StyleDefault)
	screen.SetContent(x, y1, tcell.RuneLLCorner, nil, tcell.StyleDefault)
	screen.SetContent(x1, y1, tcell.RuneLRCorner, nil, tcell.StyleDefault)
}

// fixed pads or cuts value to exactly width runes.
func fixed(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(value)
	if len(runes) >= width {
		return string(runes[:width])
	}
	return value + strings.Repeat(" ", width-len(runes))
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	if d < 10*time.Millisecond {
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func lossPercent(row state.Row) float64 {
	failed := row.Timeouts + row.ErrorTotal()
	total := row.Count + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}

func healthStyle(health state.Health) tcell.Style {
	switch health {
	case state.HealthOK:
		return tcell.StyleDefault.Foreground(tcell.ColorGreen)
	case state.HealthWarn:
		return tcell.StyleDefault.Foreground(tcell.ColorYellow)
	case state.HealthDown:
		return tcell.StyleDefault.Foreground(tcell.ColorRed)
	default:
		return tcell.StyleDefault.Foreground(tcell.ColorGray)
	}
}

func formatConfigInfo(snap *config.Snapshot) string {
	if snap == nil {
		return " no configuration loaded"
	}
	return fmt.Sprintf(" interval=%s  timeout=%s  jitter=%.0f%%  targets=%d",
		formatDuration(snap.Interval), formatDuration(snap.DefaultTimeout), snap.JitterFraction*100, len(snap.Targets))
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dus", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
