package presence

import (
	"fmt"
	"math"
	"strings"
	"time"
	"vestnik/internal/models"

	"github.com/dustin/go-humanize"
)

// Locale holds the phrases used to render last seen times.
type Locale struct {
	Name       string
	Online     string
	Unknown    string
	Past       string
	Future     string
	Magnitudes []humanize.RelTimeMagnitude
}

var LocaleEN = Locale{
	Name:    "en",
	Online:  "Online",
	Unknown: "Unknown",
	Past:    "ago",
	Future:  "from now",
	Magnitudes: []humanize.RelTimeMagnitude{
		{D: time.Minute, Format: "less than a minute %s", DivBy: 1},
		{D: 2 * time.Minute, Format: "1 minute %s", DivBy: 1},
		{D: time.Hour, Format: "%d minutes %s", DivBy: time.Minute},
		{D: 2 * time.Hour, Format: "about 1 hour %s", DivBy: 1},
		{D: humanize.Day, Format: "about %d hours %s", DivBy: time.Hour},
		{D: 2 * humanize.Day, Format: "1 day %s", DivBy: 1},
		{D: humanize.Month, Format: "%d days %s", DivBy: humanize.Day},
		{D: 2 * humanize.Month, Format: "about 1 month %s", DivBy: 1},
		{D: humanize.Year, Format: "%d months %s", DivBy: humanize.Month},
		{D: 2 * humanize.Year, Format: "about 1 year %s", DivBy: 1},
		{D: math.MaxInt64, Format: "%d years %s", DivBy: humanize.Year},
	},
}

var LocaleTR = Locale{
	Name:    "tr",
	Online:  "Çevrimiçi",
	Unknown: "Bilinmiyor",
	Past:    "önce",
	Future:  "sonra",
	Magnitudes: []humanize.RelTimeMagnitude{
		{D: time.Minute, Format: "1 dakikadan az %s", DivBy: 1},
		{D: 2 * time.Minute, Format: "1 dakika %s", DivBy: 1},
		{D: time.Hour, Format: "%d dakika %s", DivBy: time.Minute},
		{D: 2 * time.Hour, Format: "yaklaşık 1 saat %s", DivBy: 1},
		{D: humanize.Day, Format: "yaklaşık %d saat %s", DivBy: time.Hour},
		{D: 2 * humanize.Day, Format: "1 gün %s", DivBy: 1},
		{D: humanize.Month, Format: "%d gün %s", DivBy: humanize.Day},
		{D: 2 * humanize.Month, Format: "yaklaşık 1 ay %s", DivBy: 1},
		{D: humanize.Year, Format: "%d ay %s", DivBy: humanize.Month},
		{D: 2 * humanize.Year, Format: "yaklaşık 1 yıl %s", DivBy: 1},
		{D: math.MaxInt64, Format: "%d yıl %s", DivBy: humanize.Year},
	},
}

// LocaleByName returns the locale for a language tag such as "tr" or "en-US".
func LocaleByName(name string) (Locale, error) {
	lang, _, _ := strings.Cut(strings.ToLower(name), "-")
	switch lang {
	case "", "en":
		return LocaleEN, nil
	case "tr":
		return LocaleTR, nil
	}
	return Locale{}, fmt.Errorf("unsupported locale %q", name)
}

// LastSeen renders r relative to now: the online phrase for online peers, a
// relative time when a last seen time is known, the unknown phrase otherwise.
func (l Locale) LastSeen(r models.PresenceRecord, now time.Time) (s string) {
	if r.IsOnline {
		return l.Online
	}
	if r.LastSeen == nil || r.LastSeen.IsZero() {
		return l.Unknown
	}

	defer func() {
		if rec := recover(); rec != nil {
			s = l.Unknown
		}
	}()
	return humanize.CustomRelTime(*r.LastSeen, now, l.Past, l.Future, l.Magnitudes)
}
