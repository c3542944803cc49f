package gossip

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/shurlinet/fabricsched/internal/clustermap"
)

// TestMain fails the package's test run if any goroutine is still
// running once all tests have finished.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func genNodePerf(rt *rapid.T) clustermap.NodePerf {
	return clustermap.NodePerf{
		NodeID:      rapid.StringMatching(`[a-z0-9]{1,8}`).Draw(rt, "nodeID"),
		RamTokens:   uint64(rapid.IntRange(0, 1_000_000).Draw(rt, "ramTokens")),
		TimestampMs: uint64(rapid.IntRange(0, 1_000_000).Draw(rt, "timestampMs")),
	}
}

// TestGossipMsgRoundTrip is the round-trip property from spec.md §8:
// decode(encode(msg)) == msg for every GossipMsg variant.
func TestGossipMsgRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		variant := rapid.SampledFrom([]msgType{msgPerf, msgSyncRequest, msgSyncResponse}).Draw(rt, "variant")

		var msg GossipMsg
		switch variant {
		case msgPerf:
			p := genNodePerf(rt)
			msg = perfMsg(p)
		case msgSyncRequest:
			msg = syncRequestMsg()
		case msgSyncResponse:
			n := rapid.IntRange(0, 4).Draw(rt, "n")
			perfs := make([]clustermap.NodePerf, n)
			for i := range perfs {
				perfs[i] = genNodePerf(rt)
			}
			msg = syncResponseMsg(perfs)
		}

		data, err := json.Marshal(msg)
		if err != nil {
			rt.Fatalf("marshal: %v", err)
		}

		var decoded GossipMsg
		if err := json.Unmarshal(data, &decoded); err != nil {
			rt.Fatalf("unmarshal: %v", err)
		}

		if decoded.Type != msg.Type {
			rt.Fatalf("type mismatch: got %q, want %q", decoded.Type, msg.Type)
		}
		switch msg.Type {
		case msgPerf:
			if decoded.Perf == nil || !reflect.DeepEqual(*decoded.Perf, *msg.Perf) {
				rt.Fatalf("perf mismatch: got %+v, want %+v", decoded.Perf, msg.Perf)
			}
		case msgSyncResponse:
			if !reflect.DeepEqual(decoded.Perfs, msg.Perfs) && !(len(decoded.Perfs) == 0 && len(msg.Perfs) == 0) {
				rt.Fatalf("perfs mismatch: got %+v, want %+v", decoded.Perfs, msg.Perfs)
			}
		}
	})
}

func TestReadMsgRejectsOversized(t *testing.T) {
	big := make([]byte, maxMessageSize+2)
	for i := range big {
		big[i] = '0'
	}
	if _, err := readMsg(bytes.NewReader(big)); err == nil {
		t.Fatal("expected oversized message to be rejected")
	}
}
