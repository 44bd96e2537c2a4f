package webrtc

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
)

// rtcpFeedback keeps the latest congestion signals seen in RTCP from the
// remote side.
type rtcpFeedback struct {
	rembBps    atomic.Uint64 // float64 bits
	fracLost   atomic.Uint64 // float64 bits, 0..1
	rttNanos   atomic.Int64
	reportSeen atomic.Bool
}

// ntpEpochOffset is the number of seconds between 1900 and 1970.
const ntpEpochOffset = 2208988800

// compactNTP returns the middle 32 bits of the NTP timestamp for t, the unit
// used by LSR and DLSR (1/65536 s).
func compactNTP(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32((secs<<32 | frac) >> 16)
}

func (f *rtcpFeedback) observe(packets []rtcp.Packet, now time.Time) {
	arrival := compactNTP(now)

	var (
		lost    float64
		rtt     time.Duration
		reports int
		rtts    int
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			f.rembBps.Store(math.Float64bits(float64(p.Bitrate)))

		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				lost += float64(report.FractionLost) / 256.0
				reports++
				if report.LastSenderReport == 0 {
					continue
				}
				units := arrival - report.LastSenderReport - report.Delay
				// Ignore wrapped or implausible values (> 60s).
				if units > 60*65536 {
					continue
				}
				rtt += time.Duration(units) * time.Second / 65536
				rtts++
			}
		}
	}

	if reports > 0 {
		f.fracLost.Store(math.Float64bits(lost / float64(reports)))
		f.reportSeen.Store(true)
	}
	if rtts > 0 {
		f.rttNanos.Store(int64(rtt / time.Duration(rtts)))
	}
}

// remb returns the last receiver estimated maximum bitrate in bits/s.
func (f *rtcpFeedback) remb() float64 {
	return math.Float64frombits(f.rembBps.Load())
}

// packetLoss returns the last reported fraction lost and whether any receiver
// report has arrived.
func (f *rtcpFeedback) packetLoss() (float64, bool) {
	return math.Float64frombits(f.fracLost.Load()), f.reportSeen.Load()
}

func (f *rtcpFeedback) rtt() time.Duration {
	return time.Duration(f.rttNanos.Load())
}
