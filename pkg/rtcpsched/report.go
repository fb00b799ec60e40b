package rtcpsched

import (
	"time"

	"github.com/pion/rtcp"

	"github.com/arzzra/rtpcore/pkg/rtpsession"
)

// MarkSent records that we sent RTP/RTCP in this interval, which feeds the
// sender/receiver bandwidth split in computeInterval (spec §4.3).
func (s *Scheduler) MarkSent() { s.weSent = true }

// Leave switches the scheduler into BYE reconsideration mode (spec §4.3
// "BYE reconsideration"): subsequent interval computations count only
// members that have themselves sent a BYE, preventing synchronized-BYE
// storms.
func (s *Scheduler) Leave() {
	s.byeMode = true
	s.tn = s.clk.Now()
}

// assembleReport builds a regular compound RTCP packet per spec §4.3
// "Packet assembly": SR (if we sent media last interval) or RR, then SDES
// with CNAME, then feedback/XR records, then BYE if leaving. Report
// blocks are capped at 31 per packet with round-robin continuation across
// intervals for large membership.
func (s *Scheduler) assembleReport(now time.Time) *Report {
	members := s.cfg.Database.Snapshot()
	s.reportNow = now
	blocks, nextOffset := s.selectReportBlocks(members)
	s.reportBlockOffset = nextOffset

	var records []rtcp.Packet
	ssrc := uint32(0)
	if s.cfg.Session != nil {
		ssrc = s.cfg.Session.SSRC()
	}

	if s.weSent {
		records = append(records, &rtcp.SenderReport{
			SSRC:    ssrc,
			NTPTime: ntpFromWall(now),
			Reports: blocks,
		})
	} else {
		records = append(records, &rtcp.ReceiverReport{
			SSRC:    ssrc,
			Reports: blocks,
		})
	}

	desc := rtpsession.SourceDescription{}
	if s.cfg.Session != nil {
		desc = s.cfg.Session.LocalDescription()
	}
	records = append(records, &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{sdesChunk(ssrc, desc)},
	})

	if s.cfg.Feedback != nil {
		records = append(records, s.cfg.Feedback.DrainFeedbackRecords()...)
	}

	if s.cfg.Session != nil {
		if byeSSRCs := s.cfg.Session.TakePendingByeSSRCs(); len(byeSSRCs) > 0 {
			records = append(records, &rtcp.Goodbye{Sources: byeSSRCs})
		}
	}
	if s.byeMode {
		records = append(records, &rtcp.Goodbye{Sources: []uint32{ssrc}})
	}

	size := estimateSize(records)
	s.avgPacketSize += (size - s.avgPacketSize) / 16

	return &Report{Records: records}
}

// selectReportBlocks returns up to maxReportBlocksPerPacket report blocks,
// continuing round-robin from the previous call's offset so that large
// membership gets everyone reported on over successive intervals (spec
// §4.3 "Up to 31 report blocks... with more senders, report on the next
// 31 next interval").
func (s *Scheduler) selectReportBlocks(members []*rtpsession.Member) ([]rtcp.ReceptionReport, int) {
	if len(members) == 0 {
		return nil, 0
	}
	n := len(members)
	count := n
	if count > maxReportBlocksPerPacket {
		count = maxReportBlocksPerPacket
	}
	blocks := make([]rtcp.ReceptionReport, 0, count)
	offset := s.reportBlockOffset % n
	for i := 0; i < count; i++ {
		m := members[(offset+i)%n]
		blocks = append(blocks, memberReportBlock(m, s.reportNow))
	}
	return blocks, (offset + count) % n
}

func memberReportBlock(m *rtpsession.Member, now time.Time) rtcp.ReceptionReport {
	lsr, dlsr := m.LastSRForReverseReport(now)
	return rtcp.ReceptionReport{
		SSRC:               m.SSRC,
		FractionLost:       m.FractionLostPublic(),
		TotalLost:          m.LostPublic(),
		LastSequenceNumber: m.ExtendedSeqPublic(),
		Jitter:             m.JitterEstimate(),
		LastSenderReport:   lsr,
		Delay:              dlsr,
	}
}

// sdesChunk builds the mandatory-CNAME SDES chunk for ssrc (spec §4.1
// "at least one SDES record present... carrying at least a CNAME item").
func sdesChunk(ssrc uint32, desc rtpsession.SourceDescription) rtcp.SourceDescriptionChunk {
	items := []rtcp.SourceDescriptionItem{{Type: rtcp.SDESCNAME, Text: desc.CNAME}}
	if desc.Name != "" {
		items = append(items, rtcp.SourceDescriptionItem{Type: rtcp.SDESName, Text: desc.Name})
	}
	if desc.Tool != "" {
		items = append(items, rtcp.SourceDescriptionItem{Type: rtcp.SDESTool, Text: desc.Tool})
	}
	return rtcp.SourceDescriptionChunk{Source: ssrc, Items: items}
}

// ntpFromWall converts a wall-clock instant to a 64-bit fixed-point NTP
// timestamp (seconds since 1900-01-01 in the high 32 bits, fraction in the
// low 32 bits), the representation spec §4.1 and §4.2 both rely on.
func ntpFromWall(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds from 1900-01-01 to 1970-01-01
	secs := uint64(t.Unix()+ntpEpochOffset)
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// estimateSize returns the marshaled size of records, used to maintain
// avg_rtcp_size (spec §4.3).
func estimateSize(records []rtcp.Packet) float64 {
	buf, err := rtcp.Marshal(records)
	if err != nil {
		return 200
	}
	return float64(len(buf))
}
