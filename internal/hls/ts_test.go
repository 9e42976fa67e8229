package hls

import (
	"bytes"
	"testing"
)

// avcSequenceHeader builds a video tag body carrying a minimal decoder
// configuration with one SPS and one PPS.
func avcSequenceHeader() []byte {
	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0x8D, 0x68}
	pps := []byte{0x68, 0xCE, 0x06, 0xE2}
	body := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	body = append(body, 0x01, 0x42, 0x00, 0x1E, 0xFF, 0xE1)
	body = append(body, byte(len(sps)>>8), byte(len(sps)))
	body = append(body, sps...)
	body = append(body, 0x01, byte(len(pps)>>8), byte(len(pps)))
	body = append(body, pps...)
	return body
}

// avcFrame builds a video tag body with one length-prefixed NALU.
func avcFrame(keyframe bool, nalu []byte) []byte {
	first := byte(0x27)
	if keyframe {
		first = 0x17
	}
	body := []byte{first, 0x01, 0x00, 0x00, 0x00}
	body = append(body, byte(len(nalu)>>24), byte(len(nalu)>>16), byte(len(nalu)>>8), byte(len(nalu)))
	return append(body, nalu...)
}

// aacSequenceHeader is an AudioSpecificConfig for AAC-LC 44.1 kHz stereo.
func aacSequenceHeader() []byte {
	return []byte{0xAF, 0x00, 0x12, 0x10}
}

func aacFrame(raw []byte) []byte {
	return append([]byte{0xAF, 0x01}, raw...)
}

func newConfiguredMuxer(t *testing.T) *tsMuxer {
	t.Helper()
	m := newTSMuxer()
	if err := m.SetVideoConfig(avcSequenceHeader()); err != nil {
		t.Fatalf("video config: %v", err)
	}
	if err := m.SetAudioConfig(aacSequenceHeader()); err != nil {
		t.Fatalf("audio config: %v", err)
	}
	return m
}

func TestTSPacketsAreAligned(t *testing.T) {
	m := newConfiguredMuxer(t)
	var buf bytes.Buffer
	m.WriteInit(&buf)
	if err := m.WriteVideo(&buf, 0, avcFrame(true, bytes.Repeat([]byte{0x65}, 400)), true); err != nil {
		t.Fatalf("write video: %v", err)
	}
	if err := m.WriteAudio(&buf, 23, aacFrame([]byte{0x21, 0x09})); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	data := buf.Bytes()
	if len(data)%tsPacketSize != 0 {
		t.Fatalf("stream length %d is not a packet multiple", len(data))
	}
	for off := 0; off < len(data); off += tsPacketSize {
		if data[off] != 0x47 {
			t.Fatalf("packet at %d missing sync byte", off)
		}
	}
}

func TestTSStartsWithTables(t *testing.T) {
	m := newConfiguredMuxer(t)
	var buf bytes.Buffer
	m.WriteInit(&buf)

	data := buf.Bytes()
	if len(data) != 2*tsPacketSize {
		t.Fatalf("init wrote %d bytes, want PAT+PMT", len(data))
	}
	patPID := uint16(data[1]&0x1F)<<8 | uint16(data[2])
	pmtPID := uint16(data[tsPacketSize+1]&0x1F)<<8 | uint16(data[tsPacketSize+2])
	if patPID != pidPAT || pmtPID != pidPMT {
		t.Errorf("table pids = %d, %d, want %d, %d", patPID, pmtPID, pidPAT, pidPMT)
	}
	if data[1]&0x40 == 0 {
		t.Error("PAT packet missing payload unit start")
	}
}

func TestTSContinuityCounters(t *testing.T) {
	m := newConfiguredMuxer(t)
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := m.WriteVideo(&buf, uint32(i*40), avcFrame(i == 0, bytes.Repeat([]byte{0x41}, 20)), i == 0); err != nil {
			t.Fatalf("write video %d: %v", i, err)
		}
	}
	data := buf.Bytes()
	var counters []byte
	for off := 0; off < len(data); off += tsPacketSize {
		pid := uint16(data[off+1]&0x1F)<<8 | uint16(data[off+2])
		if pid == pidVideo {
			counters = append(counters, data[off+3]&0x0F)
		}
	}
	for i := 1; i < len(counters); i++ {
		if counters[i] != (counters[i-1]+1)&0x0F {
			t.Fatalf("continuity broke at packet %d: %v", i, counters)
		}
	}
}

func TestTSKeyframeCarriesParameterSets(t *testing.T) {
	m := newConfiguredMuxer(t)
	var buf bytes.Buffer
	if err := m.WriteVideo(&buf, 0, avcFrame(true, []byte{0x65, 0x11, 0x22}), true); err != nil {
		t.Fatalf("write video: %v", err)
	}
	// Strip TS headers and concatenate payloads to look for the SPS NALU in
	// Annex-B form.
	var es bytes.Buffer
	data := buf.Bytes()
	for off := 0; off < len(data); off += tsPacketSize {
		payload := data[off+4 : off+tsPacketSize]
		if data[off+3]&0x20 != 0 {
			payload = payload[1+int(payload[0]):]
		}
		es.Write(payload)
	}
	if !bytes.Contains(es.Bytes(), append([]byte{0x00, 0x00, 0x00, 0x01}, 0x67)) {
		t.Error("keyframe payload missing the SPS")
	}
	if !bytes.Contains(es.Bytes(), []byte{0x00, 0x00, 0x01, 0xE0}) {
		t.Error("payload missing the video PES start code")
	}
}

func TestTSRejectsFramesBeforeConfig(t *testing.T) {
	m := newTSMuxer()
	var buf bytes.Buffer
	if err := m.WriteVideo(&buf, 0, avcFrame(true, []byte{0x65}), true); err == nil {
		t.Error("video before config must fail")
	}
	if err := m.WriteAudio(&buf, 0, aacFrame([]byte{0x01})); err == nil {
		t.Error("audio before config must fail")
	}
}
