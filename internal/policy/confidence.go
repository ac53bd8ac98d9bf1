package policy

// SignalKind identifies one correlation signal between two accounts.
type SignalKind string

const (
	SignalIPMatch          SignalKind = "ip_match"
	SignalFingerprintMatch SignalKind = "fingerprint_match"
	SignalPaymentMatch     SignalKind = "payment_match"
)

// LinkType tags a detected account link with its strongest signal.
type LinkType string

const (
	LinkIPMatch          LinkType = "ip_match"
	LinkFingerprintMatch LinkType = "fingerprint_match"
	LinkPaymentMatch     LinkType = "payment_match"
)

// signalWeights is the fixed weight table. A shared payment method is the
// strongest correlation signal: payment > fingerprint > ip. Deltas are
// additive and the total saturates at 100.
var signalWeights = map[SignalKind]int{
	SignalIPMatch:          25,
	SignalFingerprintMatch: 45,
	SignalPaymentMatch:     60,
}

// signalPriority breaks ties when picking the link type. Higher wins.
var signalPriority = map[SignalKind]int{
	SignalIPMatch:          1,
	SignalFingerprintMatch: 2,
	SignalPaymentMatch:     3,
}

// ValidSignal reports whether k is a known signal kind.
func ValidSignal(k SignalKind) bool {
	_, ok := signalWeights[k]
	return ok
}

// Score maps a set of correlation signals to a confidence in [0, 100] and the
// link type of the highest-weighted signal present. Duplicate signals count
// once, so scoring is a pure function of the evidence set and adding evidence
// can never lower the result.
func Score(evidence []SignalKind) (confidence int, linkType LinkType) {
	seen := make(map[SignalKind]bool, len(evidence))
	var best SignalKind
	for _, k := range evidence {
		if !ValidSignal(k) || seen[k] {
			continue
		}
		seen[k] = true
		confidence += signalWeights[k]
		if best == "" || stronger(k, best) {
			best = k
		}
	}
	if confidence > 100 {
		confidence = 100
	}
	return confidence, LinkType(best)
}

func stronger(a, b SignalKind) bool {
	wa, wb := signalWeights[a], signalWeights[b]
	if wa != wb {
		return wa > wb
	}
	return signalPriority[a] > signalPriority[b]
}
