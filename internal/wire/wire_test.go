package wire

import (
	"testing"

	"github.com/go-test/deep"
)

func TestEncodeDecodePacketRoundTrip(t *testing.T) {
	p := NewRequest(42, ClientToServer, []byte("Chat"), []byte("hello room"), 15, 1700000000)

	encoded := Encode(p)

	dec := NewDecoder()
	packets, err := dec.Feed(encoded)
	if err != nil {
		t.Fatalf("Feed returned error: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}

	if diff := deep.Equal(packets[0], p); diff != nil {
		t.Errorf("round trip mismatch: %v", diff)
	}
}

func TestEncodeDecodeNotification(t *testing.T) {
	p := NewNotification(ServerToClient, []byte("Heartbeat"), []byte{})
	dec := NewDecoder()

	packets, err := dec.Feed(Encode(p))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 1 || packets[0].RequestID != NotificationRequestID {
		t.Fatalf("expected single notification with requestId -2, got %+v", packets)
	}
}

func TestSplitAcrossFeeds(t *testing.T) {
	p := NewRequest(7, ClientToServer, []byte("Ready"), []byte("yes"), 10, 123)
	encoded := Encode(p)

	dec := NewDecoder()
	mid := len(encoded) / 2

	packets, err := dec.Feed(encoded[:mid])
	if err != nil {
		t.Fatalf("unexpected error on first half: %v", err)
	}
	if len(packets) != 0 {
		t.Fatalf("expected no packets yet, got %d", len(packets))
	}

	packets, err = dec.Feed(encoded[mid:])
	if err != nil {
		t.Fatalf("unexpected error on second half: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet after full delivery, got %d", len(packets))
	}
}

func TestMultiplePacketsPerSegment(t *testing.T) {
	p1 := NewNotification(ClientToServer, []byte("Heartbeat"), nil)
	p2 := NewRequest(1, ClientToServer, []byte("RefreshRoomList"), nil, 5, 1)

	buf := append(Encode(p1), Encode(p2)...)

	dec := NewDecoder()
	packets, err := dec.Feed(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}
}

func TestMalformedPrefixIsRejected(t *testing.T) {
	dec := NewDecoder()
	_, err := dec.Feed([]byte{0xFF, 0xFF, 0xFF})
	if err == nil {
		t.Fatal("expected an error for malformed input")
	}

	// Subsequent feeds must continue to fail; the session is over.
	_, err = dec.Feed([]byte{0x00})
	if err == nil {
		t.Fatal("expected decoder to remain broken after a malformed frame")
	}
}

func TestSetupPayloadRoundTrip(t *testing.T) {
	payload := EncodeSetupPayload([]byte("alice"), []byte("ciphertext"), []byte("fp"), []byte("0.5.14"), []byte("AAAA"))

	name, pw, fp, ver, uuid, err := DecodeSetupPayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(name) != "alice" || string(pw) != "ciphertext" || string(fp) != "fp" || string(ver) != "0.5.14" || string(uuid) != "AAAA" {
		t.Fatalf("unexpected decode: %s %s %s %s %s", name, pw, fp, ver, uuid)
	}
}

func TestMapDecode(t *testing.T) {
	enc, err := EncodeMap([]string{"gameMode", "password"}, []interface{}{"aaa", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, n, err := DecodeValue(enc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(enc) {
		t.Fatalf("expected to consume entire buffer")
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", v)
	}
	if m["gameMode"] != "aaa" {
		t.Fatalf("unexpected gameMode: %v", m["gameMode"])
	}
}
