// Package types holds the shared domain value types of the validator control
// plane: the identifiers and records that flow between stores, the node
// manager, the scorer and the scheduler.
package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hotkey is the stable per-miner identity: a chain account public key. UIDs
// may be reassigned across epochs; a Hotkey never is.
type Hotkey [32]byte

// HotkeyFromHex decodes a "0x"-prefixed 32-byte hex string into a Hotkey.
func HotkeyFromHex(s string) (Hotkey, error) {
	var hk Hotkey
	b, err := hexutil.Decode(s)
	if err != nil {
		return hk, fmt.Errorf("decode hotkey: %w", err)
	}
	if len(b) != len(hk) {
		return hk, fmt.Errorf("hotkey must be %d bytes, got %d", len(hk), len(b))
	}
	copy(hk[:], b)
	return hk, nil
}

func (h Hotkey) String() string {
	return hexutil.Encode(h[:])
}

// IsZero reports whether h is the empty hotkey.
func (h Hotkey) IsZero() bool {
	return h == Hotkey{}
}

// UID is a miner's ordinal index in the current chain node set. It is not a
// stable identifier — always key long-lived state by Hotkey instead.
type UID uint16

// WorkerId is an opaque string a TEE worker assigns itself. It binds to
// exactly one Hotkey on first verification (first-claim).
type WorkerId string

// TEEAddress is a worker endpoint URL. Construction validates the
// invariants: must be https, must not be localhost/127.0.0.1.
type TEEAddress string

// ErrInvalidTEEAddress is returned by NewTEEAddress for any address that
// fails the scheme/host checks.
var ErrInvalidTEEAddress = fmt.Errorf("invalid TEE address")

// NewTEEAddress validates raw and returns it as a TEEAddress.
func NewTEEAddress(raw string) (TEEAddress, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTEEAddress, err)
	}
	if u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q must be https", ErrInvalidTEEAddress, u.Scheme)
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "", fmt.Errorf("%w: host %q is local", ErrInvalidTEEAddress, host)
	}
	return TEEAddress(u.String()), nil
}

func (a TEEAddress) String() string { return string(a) }

// RegisteredRoute is one row of the routing table: a verified ownership
// binding between a hotkey, its uid, a TEE address and the worker_id it
// presented.
type RegisteredRoute struct {
	Hotkey    Hotkey
	UID       UID
	Address   TEEAddress
	WorkerId  WorkerId
	Timestamp time.Time
}

// WorkerRegistration is the first-claim worker_id -> hotkey binding.
type WorkerRegistration struct {
	WorkerId  WorkerId
	Hotkey    Hotkey
	FirstSeen time.Time
}

// UnregisteredTEE is a staging entry for an address that failed verification
// this cycle.
type UnregisteredTEE struct {
	Address   TEEAddress
	Hotkey    Hotkey
	Timestamp time.Time
}

// ValidatorHotkey is the name "validator" as a plain string, not a Hotkey. No
// code path uses it: a failing result-host address is not staged anywhere.
const ValidatorHotkey = "validator"

// TelemetryCounters are the nine raw scrape counters carried by a telemetry
// reading and summed during aggregation and differenced during delta
// computation.
type TelemetryCounters struct {
	TwitterAuthErrors      int64
	TwitterErrors          int64
	TwitterRatelimitErrors int64
	TwitterReturnedOther   int64
	TwitterReturnedProfiles int64
	TwitterReturnedTweets  int64
	TwitterScrapes         int64
	WebErrors              int64
	WebSuccess             int64
}

// Sub returns a-b with every field clamped to zero.
func (a TelemetryCounters) Sub(b TelemetryCounters) TelemetryCounters {
	clamp := func(x int64) int64 {
		if x < 0 {
			return 0
		}
		return x
	}
	return TelemetryCounters{
		TwitterAuthErrors:       clamp(a.TwitterAuthErrors - b.TwitterAuthErrors),
		TwitterErrors:           clamp(a.TwitterErrors - b.TwitterErrors),
		TwitterRatelimitErrors:  clamp(a.TwitterRatelimitErrors - b.TwitterRatelimitErrors),
		TwitterReturnedOther:    clamp(a.TwitterReturnedOther - b.TwitterReturnedOther),
		TwitterReturnedProfiles: clamp(a.TwitterReturnedProfiles - b.TwitterReturnedProfiles),
		TwitterReturnedTweets:   clamp(a.TwitterReturnedTweets - b.TwitterReturnedTweets),
		TwitterScrapes:          clamp(a.TwitterScrapes - b.TwitterScrapes),
		WebErrors:               clamp(a.WebErrors - b.WebErrors),
		WebSuccess:              clamp(a.WebSuccess - b.WebSuccess),
	}
}

// TelemetryRecord is one append-only time-series point for a hotkey.
type TelemetryRecord struct {
	Hotkey            Hotkey
	UID               UID
	WorkerId          WorkerId
	Timestamp         time.Time
	BootTime          time.Time
	LastOperationTime time.Time
	CurrentTime       time.Time
	Counters          TelemetryCounters
}

// ErrorRecord is one ring-retained operational error.
type ErrorRecord struct {
	ID           int64
	Timestamp    time.Time
	Hotkey       Hotkey
	TEEAddress   TEEAddress
	MinerAddress string
	Message      string
}

// ProcessExecution is one completed (or in-flight) run of a named scheduler
// process, kept in a bounded per-name ring by the process monitor.
type ProcessExecution struct {
	ProcessName     string
	Start           time.Time
	End             time.Time
	Duration        time.Duration
	NodesProcessed  int
	Successful      int
	Failed          int
	Errors          []string
	ExtraMetrics    map[string]float64
	Skipped         bool
	SkippedReason   string
}

// ConnectedNode is a live handshake with a miner: created on a successful
// SecureTransport handshake, destroyed when the hotkey drops off the chain
// node set.
type ConnectedNode struct {
	Hotkey       Hotkey
	Address      string
	SymmetricKey []byte
	KeyUUID      string
	NodeID       int
	IP           string
	Port         int
	Stake        float64
	Trust        float64
	VTrust       float64
	LastUpdated  time.Time
}

// DeltaRecord is the delta-over-window accounting result for one
// hotkey: latest-minus-baseline per counter, plus the derived error totals.
type DeltaRecord struct {
	Hotkey          Hotkey
	UID             UID
	Counters        TelemetryCounters
	TimeSpanSeconds float64
	TotalErrors     int64
}
