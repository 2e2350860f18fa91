package intent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/voyage/internal/agents"
)

// Match is the Tier-1 classification of a query.
type Match struct {
	Matched           bool              `json:"matched"`
	IntentType        agents.IntentType `json:"intent_type"`
	RecommendedWorker string            `json:"recommended_worker,omitempty"`
	Confidence        int               `json:"confidence"`
	ExtractedParams   map[string]string `json:"extracted_params,omitempty"`
	Missing           []string          `json:"missing,omitempty"`
	Reason            string            `json:"reason"`
	Source            string            `json:"source"`
}

// Match sources.
const (
	SourcePattern = "pattern"
	SourceLLM     = "llm"
	SourceNone    = "none"
)

// NoMatch is the ambiguous result that forces Tier-3 reasoning.
func NoMatch(reason string) Match {
	return Match{
		Matched:    false,
		IntentType: agents.IntentAmbiguous,
		Confidence: 0,
		Reason:     reason,
		Source:     SourceNone,
	}
}

// Confidence used when a rule fires but its entity slots are empty.
const (
	confNoEntities    = 20
	confPartialRoute  = 25
	confVesselMissing = 25
	confBunkerNoRoute = 40
	confBunkerAtPort  = 50
	confVesselNamed   = 85
)

var (
	reCompliance = regexp.MustCompile(`(?i)\b(eca|secas?|emission control|sulph?ur|sulfur|marpol|compliance|compliant|low[- ]sulph?ur)\b`)
	reSelection  = regexp.MustCompile(`(?i)\b(which (vessel|ship)|select(ing)? (a |the )?(vessel|ship)|best (vessel|ship)|vessel selection|choose (a |the )?(vessel|ship)|recommend (a |the )?(vessel|ship))\b`)
	reFuelMargin = regexp.MustCompile(`(?i)\b(rob|remaining on board|fuel margin|enough fuel|fuel reserves?|fuel remaining|run out of fuel)\b`)
	reBunker     = regexp.MustCompile(`(?i)\b(bunkers?|bunkering|refuel(l)?ing|fuel (prices?|stops?|ports?)|vlsfo|hsfo|lsmgo|mgo)\b`)
	reWeather    = regexp.MustCompile(`(?i)\b(weather|forecast|sea state|swell|waves?|winds?|storms?|typhoon|monsoon)\b`)
	reRoute      = regexp.MustCompile(`(?i)\b(route|routing|distance|how far|eta|sail(ing)?|passage)\b`)

	reFromTo  = regexp.MustCompile(`(?i)\bfrom\s+(.+?)\s+to\s+(.+?)(?:\s+(?:via|with|for|using|on|and|departing|leaving|arriving|tomorrow|today|next|this|at|in|by)\b|[?.!,;]|$)`)
	reBetween = regexp.MustCompile(`(?i)\bbetween\s+(.+?)\s+and\s+(.+?)(?:\s+(?:via|with|for|using|on|departing|leaving|tomorrow|today|next|this|at|in|by)\b|[?.!,;]|$)`)
	reCodes   = regexp.MustCompile(`\b([A-Z]{5})\s+(?:to|-|->)\s+([A-Z]{5})\b`)
	reToOnly  = regexp.MustCompile(`\b(?:to|towards|bound for)\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*){0,2})`)

	reLocation    = regexp.MustCompile(`\b(?i:at|in|for|near|off|around|outside)\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*){0,2})`)
	rePlaceholder = regexp.MustCompile(`(?i)\b(?:at|in|for|near|off|around)\s+(the port|the destination|the origin|port|there|here|somewhere|destination|origin)\b`)

	reVesselName    = regexp.MustCompile(`\b(?:MV|M/V|MT|mv|m/v|[Vv]essel|[Ss]hip)\s+([A-Z][\w'-]*(?:\s+[A-Z][\w'-]*){0,3})`)
	reVesselMention = regexp.MustCompile(`(?i)\b(vessel|ship|mv|m/v|tanker|bulker|carrier)\b`)
	reIMO           = regexp.MustCompile(`(?i)\bimo\s*(\d{7})\b`)
	reFuelType      = regexp.MustCompile(`(?i)\b(vlsfo|hsfo|lsmgo|mgo|lng)\b`)
)

type routeEntities struct {
	origin, destination Entity
	hasOrigin, hasDest  bool
}

func (r routeEntities) complete() bool { return r.hasOrigin && r.hasDest }

func (r routeEntities) confidence() int {
	return minInt(r.origin.Score, r.destination.Score)
}

func (r routeEntities) missing() []string {
	var out []string
	if !r.hasOrigin || r.origin.Score <= scoreAmbiguous {
		out = append(out, "origin")
	}
	if !r.hasDest || r.destination.Score <= scoreAmbiguous {
		out = append(out, "destination")
	}
	return out
}

func (r routeEntities) apply(params map[string]string) {
	if r.hasOrigin && r.origin.Score > scoreAmbiguous {
		params["origin"] = r.origin.Value()
	}
	if r.hasDest && r.destination.Score > scoreAmbiguous {
		params["destination"] = r.destination.Value()
	}
}

func extractRoute(q string) routeEntities {
	for _, re := range []*regexp.Regexp{reFromTo, reBetween, reCodes} {
		if m := re.FindStringSubmatch(q); m != nil {
			return routeEntities{
				origin:      ResolvePort(stripVessel(m[1])),
				destination: ResolvePort(stripVessel(m[2])),
				hasOrigin:   true,
				hasDest:     true,
			}
		}
	}
	if m := reToOnly.FindStringSubmatch(q); m != nil && !isVesselPrefix(m[1]) {
		return routeEntities{destination: ResolvePort(m[1]), hasDest: true}
	}
	return routeEntities{}
}

func extractLocation(q string) (Entity, bool) {
	for _, m := range reLocation.FindAllStringSubmatch(q, -1) {
		if isVesselPrefix(m[1]) {
			continue
		}
		return ResolvePort(m[1]), true
	}
	if m := rePlaceholder.FindStringSubmatch(q); m != nil {
		return ResolvePort(m[1]), true
	}
	return Entity{}, false
}

// extractVessel returns the vessel name, if any, and whether a vessel is
// referred to at all.
func extractVessel(q string) (string, bool) {
	if m := reVesselName.FindStringSubmatch(q); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", reVesselMention.MatchString(q)
}

func isVesselPrefix(s string) bool {
	u := strings.ToUpper(s)
	return strings.HasPrefix(u, "MV ") || strings.HasPrefix(u, "M/V ") || strings.HasPrefix(u, "MT ")
}

// stripVessel drops a trailing "for MV X" style clause that the lazy route
// capture can swallow when the query has no punctuation.
func stripVessel(s string) string {
	if loc := reVesselName.FindStringIndex(s); loc != nil && loc[0] > 0 {
		return strings.TrimSpace(s[:loc[0]])
	}
	return s
}

// commonParams extracts the vessel and fuel parameters every rule carries.
func commonParams(q string) map[string]string {
	params := make(map[string]string)
	name, mentioned := extractVessel(q)
	if name != "" {
		params["vessel"] = name
	}
	if mentioned {
		params["vessel_mentioned"] = "true"
	}
	if m := reIMO.FindStringSubmatch(q); m != nil {
		params["imo"] = m[1]
	}
	if m := reFuelType.FindStringSubmatch(q); m != nil {
		params["fuel_type"] = strings.ToUpper(m[1])
	}
	return params
}

type rule struct {
	name  string
	match func(q string) (Match, bool)
}

// defaultRules is evaluated in order; the first rule that fires wins.
func defaultRules() []rule {
	return []rule{
		{"compliance", matchCompliance},
		{"vessel_selection", matchVesselSelection},
		{"fuel_margin", matchFuelMargin},
		{"bunker", matchBunker},
		{"weather", matchWeather},
		{"route", matchRoute},
	}
}

func routeBound(q string, t agents.IntentType, what string) Match {
	params := commonParams(q)
	r := extractRoute(q)
	r.apply(params)
	m := Match{
		Matched:           true,
		IntentType:        t,
		RecommendedWorker: agents.EntryWorker(t),
		ExtractedParams:   params,
		Source:            SourcePattern,
	}
	switch {
	case r.complete():
		m.Confidence = r.confidence()
		m.Missing = r.missing()
		m.Reason = fmt.Sprintf("%s from %s to %s", what, r.origin.Raw, r.destination.Raw)
	case r.hasDest:
		m.Confidence = confPartialRoute
		m.Missing = r.missing()
		m.Reason = fmt.Sprintf("%s to %s without an origin", what, r.destination.Raw)
	default:
		m.Confidence = confNoEntities
		m.Missing = []string{"origin", "destination"}
		m.Reason = what + " without route endpoints"
	}
	return m
}

func matchCompliance(q string) (Match, bool) {
	if !reCompliance.MatchString(q) {
		return Match{}, false
	}
	m := routeBound(q, agents.IntentComplianceCheck, "compliance check")
	if m.Confidence == confNoEntities {
		m.Confidence = confPartialRoute
	}
	return m, true
}

func matchVesselSelection(q string) (Match, bool) {
	if !reSelection.MatchString(q) {
		return Match{}, false
	}
	return routeBound(q, agents.IntentVesselSelection, "vessel selection"), true
}

func matchFuelMargin(q string) (Match, bool) {
	if !reFuelMargin.MatchString(q) {
		return Match{}, false
	}
	params := commonParams(q)
	extractRoute(q).apply(params)
	m := Match{
		Matched:           true,
		IntentType:        agents.IntentFuelMargin,
		RecommendedWorker: agents.EntryWorker(agents.IntentFuelMargin),
		ExtractedParams:   params,
		Source:            SourcePattern,
	}
	if v := params["vessel"]; v != "" || params["imo"] != "" {
		m.Confidence = confVesselNamed
		m.Reason = "fuel margin for vessel " + firstNonEmpty(v, "IMO "+params["imo"])
	} else {
		m.Confidence = confVesselMissing
		m.Missing = []string{"vessel"}
		m.Reason = "fuel margin without a named vessel"
	}
	return m, true
}

func matchBunker(q string) (Match, bool) {
	if !reBunker.MatchString(q) {
		return Match{}, false
	}
	r := extractRoute(q)
	if r.complete() {
		return routeBound(q, agents.IntentBunkerPlanning, "bunker planning"), true
	}
	params := commonParams(q)
	m := Match{
		Matched:           true,
		IntentType:        agents.IntentBunkerPlanning,
		RecommendedWorker: agents.EntryWorker(agents.IntentBunkerPlanning),
		ExtractedParams:   params,
		Missing:           []string{"origin", "destination"},
		Source:            SourcePattern,
	}
	if loc, ok := extractLocation(q); ok && loc.Score > scoreAmbiguous {
		params["port"] = loc.Value()
		m.Confidence = confBunkerAtPort
		m.Reason = "bunker request at " + loc.Raw + " without a route"
	} else {
		m.Confidence = confBunkerNoRoute
		m.Reason = "bunker request without a route"
	}
	return m, true
}

func matchWeather(q string) (Match, bool) {
	if !reWeather.MatchString(q) {
		return Match{}, false
	}
	params := commonParams(q)
	m := Match{
		Matched:           true,
		IntentType:        agents.IntentWeatherForecast,
		RecommendedWorker: agents.Weather,
		ExtractedParams:   params,
		Source:            SourcePattern,
	}
	if r := extractRoute(q); r.complete() {
		r.apply(params)
		m.Confidence = r.confidence()
		m.Missing = r.missing()
		if r.origin.Score > scoreAmbiguous {
			params["port"] = r.origin.Value()
		}
		m.Reason = fmt.Sprintf("weather along %s to %s", r.origin.Raw, r.destination.Raw)
		return m, true
	}
	loc, ok := extractLocation(q)
	switch {
	case !ok:
		m.Confidence = confNoEntities
		m.Missing = []string{"port"}
		m.Reason = "weather request without a location"
	case loc.Score <= scoreAmbiguous:
		m.Confidence = loc.Score
		m.Missing = []string{"port"}
		m.Reason = fmt.Sprintf("weather at placeholder %q", loc.Raw)
	default:
		params["port"] = loc.Value()
		m.Confidence = loc.Score
		m.Reason = "weather at " + loc.Raw
	}
	return m, true
}

func matchRoute(q string) (Match, bool) {
	keyword := reRoute.MatchString(q)
	r := extractRoute(q)
	if !keyword && !r.complete() {
		return Match{}, false
	}
	return routeBound(q, agents.IntentRouteCalculation, "route"), true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
