package events

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/optionsdaemon/putseller/pkg/types"
)

// fixedHolidays lists the fixed-date US market holidays (keyed MM-DD) this
// daemon trades around; a date that falls on a weekend is not shifted to an
// observed weekday. Floating holidays (Thanksgiving, Good Friday) are
// resolved per year in IsHoliday.
var fixedHolidays = map[string]bool{
	"01-01": true, // New Year's Day
	"06-19": true, // Juneteenth
	"07-04": true, // Independence Day
	"12-25": true, // Christmas
}

// Calendar materializes scheduled events onto the bus on a tick, consulting
// the market calendar so weekends and holidays never emit a trading-day
// event. Deduplication against repeat ticks is enforced by the store's
// unique (type, trading_date) index — this ticker does not need to track
// "already emitted today" in memory.
type Calendar struct {
	bus            *Bus
	logger         *zap.Logger
	tickInterval   time.Duration
	checkInterval  time.Duration
	loc            *time.Location

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCalendar builds a Calendar bound to bus, ticking at tickInterval to
// decide whether a scheduled event boundary has been crossed, and emitting
// SCHEDULED_CHECK at checkInterval during market hours.
func NewCalendar(bus *Bus, logger *zap.Logger, tickInterval, checkInterval time.Duration) *Calendar {
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	if checkInterval <= 0 {
		checkInterval = 15 * time.Minute
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &Calendar{
		bus:           bus,
		logger:        logger.Named("calendar"),
		tickInterval:  tickInterval,
		checkInterval: checkInterval,
		loc:           loc,
		done:          make(chan struct{}),
	}
}

// Start runs the calendar loop until ctx is cancelled or Stop is called.
func (c *Calendar) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.loop()
}

// Stop halts the calendar loop and waits for it to exit.
func (c *Calendar) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Calendar) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	lastScheduledCheck := time.Time{}

	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			c.maybeEmit(now)
			if IsTradingHours(now, c.loc) && now.Sub(lastScheduledCheck) >= c.checkInterval {
				lastScheduledCheck = now
				if err := c.bus.Publish(c.ctx, types.EventScheduledCheck, nil, ""); err != nil {
					c.logger.Error("publishing scheduled check", zap.Error(err))
				}
			}
		}
	}
}

// maybeEmit publishes calendar-boundary events for the minute now falls in.
// Each publish is independently deduplicated by trading date, so a missed
// or repeated tick is harmless.
func (c *Calendar) maybeEmit(now time.Time) {
	local := now.In(c.loc)
	if IsHoliday(local) || isWeekend(local) {
		return
	}
	date := local.Format("2006-01-02")
	hm := local.Format("15:04")

	var typ types.EventType
	switch hm {
	case "09:00":
		typ = types.EventPreMarketPrep
	case "09:30":
		typ = types.EventMarketOpen
	case "16:00":
		typ = types.EventMarketClose
	case "16:30":
		typ = types.EventEndOfDayReflection
	default:
		return
	}

	if err := c.bus.Publish(c.ctx, typ, map[string]any{"trading_date": date}, date); err != nil {
		c.logger.Error("publishing calendar event", zap.Error(err), zap.String("type", string(typ)))
	}

	if typ == types.EventEndOfDayReflection && local.Weekday() == time.Friday {
		if err := c.bus.Publish(c.ctx, types.EventWeeklyLearning, map[string]any{"trading_date": date}, date); err != nil {
			c.logger.Error("publishing weekly learning event", zap.Error(err))
		}
	}
}

// IsTradingHours reports whether now falls within the regular session,
// 09:30-16:00 America/New_York, on a trading day.
func IsTradingHours(now time.Time, loc *time.Location) bool {
	local := now.In(loc)
	if isWeekend(local) || IsHoliday(local) {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
	close := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
	return !local.Before(open) && !local.After(close)
}

func isWeekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

// IsHoliday reports whether t's calendar date is a US market holiday,
// fixed or floating, in the given year.
func IsHoliday(t time.Time) bool {
	md := t.Format("01-02")
	if fixedHolidays[md] {
		return true
	}
	switch t {
	case thanksgiving(t.Year()):
		return true
	case goodFriday(t.Year()):
		return true
	}
	return dateEqual(t, thanksgiving(t.Year())) || dateEqual(t, goodFriday(t.Year()))
}

func dateEqual(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}

// thanksgiving returns the fourth Thursday of November for year.
func thanksgiving(year int) time.Time {
	d := time.Date(year, time.November, 1, 0, 0, 0, 0, time.UTC)
	thursdays := 0
	for day := 1; day <= 30; day++ {
		d = time.Date(year, time.November, day, 0, 0, 0, 0, time.UTC)
		if d.Weekday() == time.Thursday {
			thursdays++
			if thursdays == 4 {
				return d
			}
		}
	}
	return d
}

// goodFriday computes the Friday before Easter Sunday via the anonymous
// Gregorian (Meeus/Jones/Butcher) algorithm.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := ((h + l - 7*m + 114) % 31) + 1
	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}
