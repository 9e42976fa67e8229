package hls

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// MPEG-TS layout constants.
const (
	tsPacketSize = 188
	pidPAT       = 0x0000
	pidPMT       = 0x1000
	pidVideo     = 0x0100
	pidAudio     = 0x0101

	streamTypeH264 = 0x1B
	streamTypeAAC  = 0x0F

	pesStreamVideo = 0xE0
	pesStreamAudio = 0xC0
)

// avcConfig is the decoder configuration carried in the video sequence
// header: parameter sets plus the NALU length field size.
type avcConfig struct {
	sps     [][]byte
	pps     [][]byte
	nalSize int
}

// aacConfig is the AudioSpecificConfig needed to build ADTS headers.
type aacConfig struct {
	objectType    byte
	samplingIndex byte
	channels      byte
}

// tsMuxer packages elementary frames into 188-byte transport stream packets.
// Continuity counters persist across segments; each segment starts with
// fresh PAT/PMT tables so it is independently decodable.
type tsMuxer struct {
	video avcConfig
	audio aacConfig

	haveVideoCfg bool
	haveAudioCfg bool

	continuity map[uint16]*byte
}

func newTSMuxer() *tsMuxer {
	return &tsMuxer{continuity: make(map[uint16]*byte)}
}

// SetVideoConfig parses an AVC sequence header tag body
// (AVCDecoderConfigurationRecord after the 5-byte FLV prelude).
func (m *tsMuxer) SetVideoConfig(payload []byte) error {
	if len(payload) < 11 {
		return fmt.Errorf("avc config too short: %d bytes", len(payload))
	}
	record := payload[5:]
	cfg := avcConfig{nalSize: int(record[4]&0x03) + 1}
	numSPS := int(record[5] & 0x1F)
	offset := 6
	for i := 0; i < numSPS; i++ {
		if offset+2 > len(record) {
			return fmt.Errorf("truncated sps list")
		}
		size := int(binary.BigEndian.Uint16(record[offset:]))
		offset += 2
		if offset+size > len(record) {
			return fmt.Errorf("truncated sps")
		}
		cfg.sps = append(cfg.sps, record[offset:offset+size])
		offset += size
	}
	if offset >= len(record) {
		return fmt.Errorf("missing pps count")
	}
	numPPS := int(record[offset])
	offset++
	for i := 0; i < numPPS; i++ {
		if offset+2 > len(record) {
			return fmt.Errorf("truncated pps list")
		}
		size := int(binary.BigEndian.Uint16(record[offset:]))
		offset += 2
		if offset+size > len(record) {
			return fmt.Errorf("truncated pps")
		}
		cfg.pps = append(cfg.pps, record[offset:offset+size])
		offset += size
	}
	m.video = cfg
	m.haveVideoCfg = true
	return nil
}

// SetAudioConfig parses an AAC sequence header tag body (AudioSpecificConfig
// after the 2-byte FLV prelude).
func (m *tsMuxer) SetAudioConfig(payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("aac config too short: %d bytes", len(payload))
	}
	asc := payload[2:]
	m.audio = aacConfig{
		objectType:    asc[0] >> 3,
		samplingIndex: (asc[0]&0x07)<<1 | asc[1]>>7,
		channels:      (asc[1] >> 3) & 0x0F,
	}
	m.haveAudioCfg = true
	return nil
}

// WriteInit appends the PAT and PMT for a new segment.
func (m *tsMuxer) WriteInit(buf *bytes.Buffer) {
	m.writePSI(buf, pidPAT, 0x00, m.buildPAT())
	m.writePSI(buf, pidPMT, 0x02, m.buildPMT())
}

// WriteVideo converts one AVC video tag body to Annex-B and emits it as a
// PES packet. Keyframes are prefixed with the cached parameter sets and
// carry a PCR.
func (m *tsMuxer) WriteVideo(buf *bytes.Buffer, timestamp uint32, payload []byte, keyframe bool) error {
	if !m.haveVideoCfg {
		return fmt.Errorf("video frame before sequence header")
	}
	if len(payload) < 5 {
		return fmt.Errorf("video tag too short: %d bytes", len(payload))
	}
	composition := int32(uint32(payload[2])<<16|uint32(payload[3])<<8|uint32(payload[4])) << 8 >> 8

	var es bytes.Buffer
	es.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xF0}) // access unit delimiter
	if keyframe {
		for _, sps := range m.video.sps {
			es.Write([]byte{0x00, 0x00, 0x00, 0x01})
			es.Write(sps)
		}
		for _, pps := range m.video.pps {
			es.Write([]byte{0x00, 0x00, 0x00, 0x01})
			es.Write(pps)
		}
	}
	data := payload[5:]
	for len(data) > 0 {
		if len(data) < m.video.nalSize {
			return fmt.Errorf("truncated nalu length")
		}
		size := 0
		for i := 0; i < m.video.nalSize; i++ {
			size = size<<8 | int(data[i])
		}
		data = data[m.video.nalSize:]
		if size <= 0 || size > len(data) {
			return fmt.Errorf("nalu size %d exceeds %d remaining bytes", size, len(data))
		}
		es.Write([]byte{0x00, 0x00, 0x00, 0x01})
		es.Write(data[:size])
		data = data[size:]
	}

	dts := uint64(timestamp) * 90
	pts := dts
	if composition > 0 {
		pts += uint64(composition) * 90
	}
	pes := buildPES(pesStreamVideo, pts, dts, es.Bytes())
	m.writePES(buf, pidVideo, pes, keyframe, dts)
	return nil
}

// WriteAudio wraps one raw AAC frame in an ADTS header and emits it as a
// PES packet.
func (m *tsMuxer) WriteAudio(buf *bytes.Buffer, timestamp uint32, payload []byte) error {
	if !m.haveAudioCfg {
		return fmt.Errorf("audio frame before sequence header")
	}
	if len(payload) < 2 {
		return fmt.Errorf("audio tag too short: %d bytes", len(payload))
	}
	raw := payload[2:]
	frameLen := len(raw) + 7
	profile := m.audio.objectType
	if profile == 0 || profile > 4 {
		profile = 2 // AAC-LC
	}
	adts := []byte{
		0xFF, 0xF1,
		(profile-1)<<6 | m.audio.samplingIndex<<2 | m.audio.channels>>2,
		m.audio.channels<<6 | byte(frameLen>>11),
		byte(frameLen >> 3),
		byte(frameLen)<<5 | 0x1F,
		0xFC,
	}
	es := make([]byte, 0, frameLen)
	es = append(es, adts...)
	es = append(es, raw...)

	pts := uint64(timestamp) * 90
	pes := buildPES(pesStreamAudio, pts, pts, es)
	m.writePES(buf, pidAudio, pes, false, 0)
	return nil
}

func (m *tsMuxer) counter(pid uint16) *byte {
	cc, ok := m.continuity[pid]
	if !ok {
		cc = new(byte)
		m.continuity[pid] = cc
	}
	return cc
}

// writePSI emits one table section in a single packet with a pointer field.
func (m *tsMuxer) writePSI(buf *bytes.Buffer, pid uint16, tableID byte, section []byte) {
	cc := m.counter(pid)
	packet := make([]byte, tsPacketSize)
	packet[0] = 0x47
	packet[1] = 0x40 | byte(pid>>8)
	packet[2] = byte(pid)
	packet[3] = 0x10 | *cc&0x0F
	*cc++

	payload := packet[4:]
	payload[0] = 0x00 // pointer field
	full := buildSection(tableID, section)
	copy(payload[1:], full)
	for i := 1 + len(full); i < len(payload); i++ {
		payload[i] = 0xFF
	}
	buf.Write(packet)
}

// buildSection wraps table data with the section header and CRC32.
func buildSection(tableID byte, data []byte) []byte {
	length := len(data) + 4 // CRC
	section := make([]byte, 0, 3+length)
	section = append(section, tableID, 0xB0|byte(length>>8), byte(length))
	section = append(section, data...)
	crc := crc32MPEG(section)
	var tail [4]byte
	binary.BigEndian.PutUint32(tail[:], crc)
	return append(section, tail[:]...)
}

func (m *tsMuxer) buildPAT() []byte {
	return []byte{
		0x00, 0x01, // transport stream id
		0xC1, 0x00, 0x00, // version 0, current, section 0 of 0
		0x00, 0x01, // program number 1
		0xE0 | byte(pidPMT>>8), byte(pidPMT&0xFF),
	}
}

func (m *tsMuxer) buildPMT() []byte {
	pmt := []byte{
		0x00, 0x01, // program number
		0xC1, 0x00, 0x00,
		0xE0 | byte(pidVideo>>8), byte(pidVideo&0xFF), // PCR PID
		0xF0, 0x00, // no program descriptors
	}
	pmt = append(pmt,
		streamTypeH264, 0xE0|byte(pidVideo>>8), byte(pidVideo&0xFF), 0xF0, 0x00)
	if m.haveAudioCfg {
		pmt = append(pmt,
			streamTypeAAC, 0xE0|byte(pidAudio>>8), byte(pidAudio&0xFF), 0xF0, 0x00)
	}
	return pmt
}

// buildPES wraps an elementary stream payload with a PES header carrying
// PTS and, when it differs, DTS.
func buildPES(streamID byte, pts, dts uint64, es []byte) []byte {
	flags := byte(0x80) // PTS
	headerLen := 5
	if dts != pts {
		flags |= 0x40
		headerLen += 5
	}
	packetLen := 3 + headerLen + len(es)
	if streamID == pesStreamVideo || packetLen > 0xFFFF {
		// Video PES length 0 means unbounded, required for large frames.
		packetLen = 0
	}
	pes := make([]byte, 0, 9+headerLen+len(es))
	pes = append(pes, 0x00, 0x00, 0x01, streamID)
	pes = append(pes, byte(packetLen>>8), byte(packetLen))
	pes = append(pes, 0x80, flags, byte(headerLen))
	ptsPrefix := byte(0x02)
	if dts != pts {
		ptsPrefix = 0x03
	}
	pes = appendTimestamp(pes, ptsPrefix, pts)
	if dts != pts {
		pes = appendTimestamp(pes, 0x01, dts)
	}
	return append(pes, es...)
}

// appendTimestamp encodes a 33-bit 90 kHz timestamp in the 5-byte PES form.
func appendTimestamp(dst []byte, prefix byte, ts uint64) []byte {
	ts &= (1 << 33) - 1
	return append(dst,
		prefix<<4|byte(ts>>29)&0x0E|0x01,
		byte(ts>>22),
		byte(ts>>14)|0x01,
		byte(ts>>7),
		byte(ts<<1)|0x01,
	)
}

// writePES splits one PES packet across transport packets, inserting a PCR
// on the first packet when requested and stuffing the last one through the
// adaptation field.
func (m *tsMuxer) writePES(buf *bytes.Buffer, pid uint16, pes []byte, pcr bool, pcrBase uint64) {
	cc := m.counter(pid)
	first := true
	for len(pes) > 0 || first {
		packet := make([]byte, tsPacketSize)
		packet[0] = 0x47
		packet[1] = byte(pid >> 8)
		if first {
			packet[1] |= 0x40 // payload unit start
		}
		packet[2] = byte(pid)
		packet[3] = 0x10 | *cc&0x0F
		*cc++

		body := packet[4:]
		var adaptation []byte
		if first && pcr {
			adaptation = buildPCRField(pcrBase)
		}
		capacity := len(body) - len(adaptation)
		if len(pes) < capacity {
			// Stuff through the adaptation field so the payload ends the
			// packet exactly.
			pad := capacity - len(pes)
			adaptation = stuffAdaptation(adaptation, pad)
			capacity = len(pes)
		}
		if len(adaptation) > 0 {
			packet[3] |= 0x20
			copy(body, adaptation)
			body = body[len(adaptation):]
		}
		copy(body, pes[:capacity])
		pes = pes[capacity:]
		first = false
		buf.Write(packet)
	}
}

// buildPCRField returns an adaptation field carrying only the PCR.
func buildPCRField(pcrBase uint64) []byte {
	pcrBase &= (1 << 33) - 1
	return []byte{
		7,    // adaptation field length
		0x50, // random access + PCR flag
		byte(pcrBase >> 25),
		byte(pcrBase >> 17),
		byte(pcrBase >> 9),
		byte(pcrBase >> 1),
		byte(pcrBase<<7) | 0x7E,
		0x00,
	}
}

// stuffAdaptation grows (or creates) an adaptation field by pad bytes of
// 0xFF stuffing.
func stuffAdaptation(adaptation []byte, pad int) []byte {
	if len(adaptation) == 0 {
		if pad == 1 {
			return []byte{0} // length-only field
		}
		field := make([]byte, pad)
		field[0] = byte(pad - 1)
		field[1] = 0x00
		for i := 2; i < pad; i++ {
			field[i] = 0xFF
		}
		return field
	}
	grown := make([]byte, len(adaptation)+pad)
	copy(grown, adaptation)
	grown[0] = byte(len(grown) - 1)
	for i := len(adaptation); i < len(grown); i++ {
		grown[i] = 0xFF
	}
	return grown
}

// crc32MPEG is the MPEG-2 PSI checksum: big-endian CRC-32 with polynomial
// 0x04C11DB7 and no bit reflection.
func crc32MPEG(data []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
