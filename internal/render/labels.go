package render

import (
	"strconv"
	"strings"
	"time"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"

	appLog "epdweather/internal/log"
)

// AllDayLabel is shown in place of a time range for all-day events, in
// every language.
const AllDayLabel = "All day"

// Labels are the user-visible strings of the frame.
type Labels struct {
	Lang string

	NoWeather  string
	NoEvents   string
	MoreEvents string
	AllDay     string
	Calendar   string
	Updated    string

	FeelsLike string
	Humidity  string
	Wind      string
	UV        string
	Pressure  string

	AuthTitle     string
	AuthVisit     string
	AuthEnterCode string

	Weekdays [7]string  // Sunday first, abbreviated
	Months   [12]string // January first, full
}

var messages = map[language.Tag][]*i18n.Message{
	language.English: {
		{ID: "NoWeather", Other: "Weather unavailable"},
		{ID: "NoEvents", Other: "No upcoming events"},
		{ID: "MoreEvents", Other: "+ more events"},
		{ID: "Calendar", Other: "Upcoming"},
		{ID: "Updated", Other: "Updated"},
		{ID: "FeelsLike", Other: "Feels like"},
		{ID: "Humidity", Other: "Humidity"},
		{ID: "Wind", Other: "Wind"},
		{ID: "UV", Other: "UV index"},
		{ID: "Pressure", Other: "Pressure"},
		{ID: "AuthTitle", Other: "Calendar sign-in"},
		{ID: "AuthVisit", Other: "On your phone, open"},
		{ID: "AuthEnterCode", Other: "and enter the code"},
	},
	language.French: {
		{ID: "NoWeather", Other: "Météo indisponible"},
		{ID: "NoEvents", Other: "Aucun événement à venir"},
		{ID: "MoreEvents", Other: "+ autres événements"},
		{ID: "Calendar", Other: "À venir"},
		{ID: "Updated", Other: "Mis à jour"},
		{ID: "FeelsLike", Other: "Ressenti"},
		{ID: "Humidity", Other: "Humidité"},
		{ID: "Wind", Other: "Vent"},
		{ID: "UV", Other: "Indice UV"},
		{ID: "Pressure", Other: "Pression"},
		{ID: "AuthTitle", Other: "Connexion au calendrier"},
		{ID: "AuthVisit", Other: "Sur votre téléphone, ouvrez"},
		{ID: "AuthEnterCode", Other: "et saisissez le code"},
		{ID: "Weekdays", Other: "dim.,lun.,mar.,mer.,jeu.,ven.,sam."},
		{ID: "Months", Other: "janvier,février,mars,avril,mai,juin,juillet,août,septembre,octobre,novembre,décembre"},
	},
}

func newBundle() *i18n.Bundle {
	b := i18n.NewBundle(language.English)
	for tag, msgs := range messages {
		if err := b.AddMessages(tag, msgs...); err != nil {
			appLog.Error("i18n: add messages", err, "lang", tag.String())
		}
	}
	return b
}

// NewLabels returns the labels for lang ("en", "fr", "fr-CA", ...). Unknown
// languages fall back to English.
func NewLabels(lang string) Labels {
	loc := i18n.NewLocalizer(newBundle(), lang, language.English.String())

	get := func(id string) string {
		s, err := loc.Localize(&i18n.LocalizeConfig{MessageID: id})
		if err != nil {
			return ""
		}
		return s
	}

	l := Labels{
		Lang:          lang,
		NoWeather:     get("NoWeather"),
		NoEvents:      get("NoEvents"),
		MoreEvents:    get("MoreEvents"),
		AllDay:        AllDayLabel,
		Calendar:      get("Calendar"),
		Updated:       get("Updated"),
		FeelsLike:     get("FeelsLike"),
		Humidity:      get("Humidity"),
		Wind:          get("Wind"),
		UV:            get("UV"),
		Pressure:      get("Pressure"),
		AuthTitle:     get("AuthTitle"),
		AuthVisit:     get("AuthVisit"),
		AuthEnterCode: get("AuthEnterCode"),
	}

	for i := range l.Weekdays {
		l.Weekdays[i] = time.Weekday(i).String()[:3]
	}
	for i := range l.Months {
		l.Months[i] = time.Month(i + 1).String()
	}
	if days := splitList(get("Weekdays")); len(days) == 7 {
		copy(l.Weekdays[:], days)
	}
	if months := splitList(get("Months")); len(months) == 12 {
		copy(l.Months[:], months)
	}
	return l
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Date formats t as "Mon 10 March" with localized names.
func (l Labels) Date(t time.Time) string {
	return l.Weekdays[t.Weekday()] + " " + strconv.Itoa(t.Day()) + " " + l.Months[t.Month()-1]
}

// ShortDate formats t as "Mon 10".
func (l Labels) ShortDate(t time.Time) string {
	return l.Weekdays[t.Weekday()] + " " + strconv.Itoa(t.Day())
}
