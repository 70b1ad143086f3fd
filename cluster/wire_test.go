package cluster_test

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/nhi-project/nhi/cluster"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  cluster.Message
	}{
		{"Heartbeat", &cluster.Heartbeat{}},
		{"Hello", &cluster.Hello{NodeID: "2f6c0d1e-aaaa-bbbb-cccc-1234567890ab", NodeName: "alpha", SoftwareVersion: "0.3.0"}},
		{"InstanceCreated", &cluster.InstanceCreated{InstanceID: "a1b2c3d4", OwnerNode: "n1", Program: "/bin/yes", Argv: []string{"hello", "world"}}},
		{"OwnershipChanged", &cluster.OwnershipChanged{InstanceID: "a1b2c3d4", NewOwner: "n2", Seq: 17}},
		{"MigrationRequest", &cluster.MigrationRequest{InstanceID: "a1b2c3d4", SourceSeq: 9, ExpectedHash: "ab12"}},
		{"MigrationReady", &cluster.MigrationReady{InstanceID: "a1b2c3d4", AcceptSeq: 8}},
		{"MigrationReject", &cluster.MigrationReject{InstanceID: "a1b2c3d4", Code: cluster.RejectStaleShadow, Reason: "too old"}},
		{"BeginSet", &cluster.BeginSet{InstanceID: "a1b2c3d4", Name: "auto-9", Seq: 9, ManifestJSON: []byte(`{"seq":9}`)}},
		{"BeginFile", &cluster.BeginFile{Name: "core-1.img", Size: 8192, SHA256: "ffee"}},
		{"Chunk", &cluster.Chunk{Data: bytes.Repeat([]byte{0xab}, 1024)}},
		{"EndFile", &cluster.EndFile{}},
		{"EndSet", &cluster.EndSet{ManifestHash: "ffee"}},
		{"ImagesComplete", &cluster.ImagesComplete{InstanceID: "a1b2c3d4", ManifestHash: "ffee"}},
		{"MigrationOk", &cluster.MigrationOk{InstanceID: "a1b2c3d4", NewPid: 4242}},
		{"MigrationFail", &cluster.MigrationFail{InstanceID: "a1b2c3d4", Reason: "restore blew up"}},
		{"SwapAck", &cluster.SwapAck{InstanceID: "a1b2c3d4"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := cluster.EncodeMessage(tc.msg)
			got, err := cluster.DecodeMessage(payload)
			if err != nil {
				t.Fatalf("DecodeMessage: %v", err)
			}
			if got.Kind() != tc.msg.Kind() {
				t.Fatalf("kind = %s, want %s", got.Kind(), tc.msg.Kind())
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, tc.msg)
			}
		})
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	t.Run("truncated payload", func(t *testing.T) {
		payload := cluster.EncodeMessage(&cluster.Hello{NodeID: "n1", NodeName: "alpha", SoftwareVersion: "1"})
		for cut := 1; cut < len(payload); cut += 3 {
			if _, err := cluster.DecodeMessage(payload[:cut]); err == nil {
				t.Errorf("decoding %d of %d bytes succeeded", cut, len(payload))
			}
		}
	})

	t.Run("unknown kind", func(t *testing.T) {
		payload := []byte{0x00, 0x01, 0xff, 0xff}
		_, err := cluster.DecodeMessage(payload)
		if !errors.Is(err, cluster.ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("foreign version", func(t *testing.T) {
		payload := cluster.EncodeMessage(&cluster.Heartbeat{})
		payload[0], payload[1] = 0x99, 0x99
		_, err := cluster.DecodeMessage(payload)
		if !errors.Is(err, cluster.ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("trailing garbage", func(t *testing.T) {
		payload := cluster.EncodeMessage(&cluster.SwapAck{InstanceID: "a1b2c3d4"})
		payload = append(payload, 0xde, 0xad)
		_, err := cluster.DecodeMessage(payload)
		if !errors.Is(err, cluster.ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})
}

func TestBeaconRoundTrip(t *testing.T) {
	in := cluster.Beacon{
		NodeID:          "2f6c0d1e-aaaa-4bbb-8ccc-1234567890ab",
		NodeName:        "alpha",
		ListenAddr:      "192.168.1.10:8080",
		ProtocolVersion: cluster.ProtocolVersion,
		WallTimeMs:      1700000000000,
	}
	data, err := cluster.EncodeBeacon(in)
	if err != nil {
		t.Fatalf("EncodeBeacon: %v", err)
	}
	got, err := cluster.DecodeBeacon(data)
	if err != nil {
		t.Fatalf("DecodeBeacon: %v", err)
	}
	if got != in {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, in)
	}
}

func TestDecodeBeaconRejectsForeignTraffic(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte("x"),
		[]byte("SSDP'ish datagram that happens to be long enough......."),
	}
	for _, data := range cases {
		if _, err := cluster.DecodeBeacon(data); err == nil {
			t.Errorf("DecodeBeacon accepted %q", data)
		}
	}
}

func TestEncodeBeaconRejectsBadNodeID(t *testing.T) {
	if _, err := cluster.EncodeBeacon(cluster.Beacon{NodeID: "not-a-uuid"}); err == nil {
		t.Error("expected an error for a malformed node id")
	}
}
