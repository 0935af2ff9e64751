package scheduler

import "strings"

// countryZones — пояс по умолчанию для стран, где живёт большинство получателей.
var countryZones = map[string]string{
	"usa":            "America/New_York",
	"united states":  "America/New_York",
	"us":             "America/New_York",
	"uk":             "Europe/London",
	"united kingdom": "Europe/London",
	"canada":         "America/Toronto",
	"germany":        "Europe/Berlin",
	"australia":      "Australia/Sydney",
	"singapore":      "Asia/Singapore",
	"switzerland":    "Europe/Zurich",
	"netherlands":    "Europe/Amsterdam",
	"sweden":         "Europe/Stockholm",
	"china":          "Asia/Shanghai",
	"hong kong":      "Asia/Hong_Kong",
	"japan":          "Asia/Tokyo",
	"france":         "Europe/Paris",
	"norway":         "Europe/Oslo",
	"new zealand":    "Pacific/Auckland",
}

// TimezoneForCountry возвращает IANA-пояс для страны. Неизвестная страна — "UTC".
func TimezoneForCountry(country string) string {
	if tz, ok := countryZones[strings.ToLower(strings.TrimSpace(country))]; ok {
		return tz
	}
	return "UTC"
}
