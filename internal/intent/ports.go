package intent

import (
	"strings"
	"unicode"
)

// Entity confidence scores.
const (
	scoreKnownCode   = 98
	scoreKnownName   = 92
	scoreProperNoun  = 72
	scoreLowerWord   = 50
	scoreAmbiguous   = 15
	scoreUnspecified = 0
)

// portsByCode maps UN/LOCODE to the display name of major bunkering and
// transshipment ports.
var portsByCode = map[string]string{
	"SGSIN": "Singapore",
	"NLRTM": "Rotterdam",
	"AEFJR": "Fujairah",
	"AEJEA": "Jebel Ali",
	"USHOU": "Houston",
	"USNYC": "New York",
	"USLAX": "Los Angeles",
	"USMSY": "New Orleans",
	"CNSHA": "Shanghai",
	"CNNGB": "Ningbo",
	"HKHKG": "Hong Kong",
	"JPYOK": "Yokohama",
	"JPTYO": "Tokyo",
	"KRPUS": "Busan",
	"BEANR": "Antwerp",
	"DEHAM": "Hamburg",
	"GBFXT": "Felixstowe",
	"GBSOU": "Southampton",
	"ESALG": "Algeciras",
	"GIGIB": "Gibraltar",
	"MTMAR": "Marsaxlokk",
	"GRPIR": "Piraeus",
	"EGPSD": "Port Said",
	"SAJED": "Jeddah",
	"LKCMB": "Colombo",
	"INNSA": "Nhava Sheva",
	"MYPKG": "Port Klang",
	"ZADUR": "Durban",
	"ZACPT": "Cape Town",
	"PABLB": "Balboa",
	"BRSSZ": "Santos",
	"AUSYD": "Sydney",
	"CAVAN": "Vancouver",
	"TRIST": "Istanbul",
	"PTSIE": "Sines",
}

// portAliases are extra spellings users type for table ports.
var portAliases = map[string]string{
	"spore":    "SGSIN",
	"sg":       "SGSIN",
	"rdam":     "NLRTM",
	"fujeirah": "AEFJR",
	"dubai":    "AEJEA",
	"mumbai":   "INNSA",
	"bombay":   "INNSA",
	"klang":    "MYPKG",
	"panama":   "PABLB",
	"gib":      "GIGIB",
	"suez":     "EGPSD",
	"nyc":      "USNYC",
	"la":       "USLAX",
	"pusan":    "KRPUS",
	"valletta": "MTMAR",
	"malta":    "MTMAR",
}

var portsByName map[string]string

func init() {
	portsByName = make(map[string]string, len(portsByCode)+len(portAliases))
	for code, name := range portsByCode {
		portsByName[strings.ToLower(name)] = code
	}
	for alias, code := range portAliases {
		portsByName[alias] = code
	}
}

// ambiguousTokens are words that fill an entity slot without naming a place.
var ambiguousTokens = map[string]struct{}{
	"port": {}, "ports": {}, "the port": {}, "a port": {}, "there": {}, "here": {},
	"somewhere": {}, "anywhere": {}, "everywhere": {}, "origin": {}, "destination": {},
	"location": {}, "place": {}, "it": {}, "home": {}, "x": {}, "y": {}, "a": {}, "b": {},
	"port a": {}, "port b": {}, "my port": {}, "next port": {}, "the destination": {},
	"the origin": {}, "sea": {}, "the sea": {}, "ocean": {}, "the ocean": {}, "tbd": {},
}

// Entity is a scored place reference.
type Entity struct {
	Raw   string
	Code  string
	Name  string
	Score int
}

// Value is what goes into extracted params: the LOCODE when known.
func (e Entity) Value() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Raw
}

// ResolvePort scores raw text as a port reference.
func ResolvePort(raw string) Entity {
	t := strings.TrimSpace(strings.Trim(raw, ".,;:!?\"'"))
	e := Entity{Raw: t}
	if t == "" {
		e.Score = scoreUnspecified
		return e
	}
	lower := strings.ToLower(t)
	if _, bad := ambiguousTokens[lower]; bad {
		e.Score = scoreAmbiguous
		return e
	}
	upper := strings.ToUpper(t)
	if name, ok := portsByCode[upper]; ok && len(t) == 5 {
		e.Code, e.Name, e.Score = upper, name, scoreKnownCode
		return e
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(lower, "port of "), "the ")
	if code, ok := portsByName[trimmed]; ok {
		e.Code, e.Name, e.Score = code, portsByCode[code], scoreKnownName
		return e
	}
	if isProperNoun(t) {
		e.Name, e.Score = t, scoreProperNoun
		return e
	}
	e.Score = scoreLowerWord
	return e
}

func isProperNoun(s string) bool {
	for _, w := range strings.Fields(s) {
		r := []rune(w)
		if len(r) == 0 || !unicode.IsUpper(r[0]) {
			return false
		}
	}
	return s != ""
}

// PortName returns the display name for a LOCODE.
func PortName(code string) (string, bool) {
	name, ok := portsByCode[strings.ToUpper(code)]
	return name, ok
}
