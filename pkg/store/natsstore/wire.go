package natsstore

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/wilhg/eventsourced/pkg/errmodel"
	"github.com/wilhg/eventsourced/pkg/store"
)

// Message bodies are protobuf wire encoded without generated code:
//
//	message Batch    { repeated Evt evts = 1; }
//	message Evt      { uint64 seq = 1; string type = 2; bytes payload = 3; uint64 ts = 4; }
//	message Snapshot { uint64 seq = 1; bytes payload = 2; uint64 ts = 3; }
//
// Timestamps are Unix nanoseconds.

type wireEvt struct {
	Seq     store.SeqNo
	Type    string
	Payload []byte
	Time    time.Time
}

func encodeBatch(first store.SeqNo, evts []store.EvtData, ts time.Time) []byte {
	size := 0
	for _, e := range evts {
		size += len(e.Type) + len(e.Payload) + 32
	}
	b := make([]byte, 0, size)
	var inner []byte
	for i, e := range evts {
		inner = inner[:0]
		inner = protowire.AppendTag(inner, 1, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(first)+uint64(i))
		inner = protowire.AppendTag(inner, 2, protowire.BytesType)
		inner = protowire.AppendString(inner, e.Type)
		inner = protowire.AppendTag(inner, 3, protowire.BytesType)
		inner = protowire.AppendBytes(inner, e.Payload)
		inner = protowire.AppendTag(inner, 4, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(ts.UnixNano()))

		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

func decodeBatch(b []byte) ([]wireEvt, error) {
	var evts []wireEvt
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireError("batch", protowire.ParseError(n))
		}
		b = b[n:]
		if num != 1 || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireError("batch", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, wireError("batch", protowire.ParseError(n))
		}
		b = b[n:]
		evt, err := decodeEvt(raw)
		if err != nil {
			return nil, err
		}
		evts = append(evts, evt)
	}
	if len(evts) == 0 {
		return nil, errmodel.Serialization("empty_batch", "stored batch holds no events", nil, nil)
	}
	for i := 1; i < len(evts); i++ {
		if evts[i].Seq != evts[i-1].Seq+1 {
			return nil, errmodel.Serialization("batch_order", "stored batch is not contiguous", nil, nil)
		}
	}
	return evts, nil
}

func decodeEvt(b []byte) (wireEvt, error) {
	var evt wireEvt
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return evt, wireError("evt", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return evt, wireError("evt", protowire.ParseError(n))
			}
			evt.Seq = store.SeqNo(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return evt, wireError("evt", protowire.ParseError(n))
			}
			evt.Type = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return evt, wireError("evt", protowire.ParseError(n))
			}
			evt.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return evt, wireError("evt", protowire.ParseError(n))
			}
			evt.Time = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return evt, wireError("evt", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if evt.Seq == store.NoSeqNo {
		return evt, errmodel.Serialization("missing_seq", "stored event has no sequence number", nil, nil)
	}
	return evt, nil
}

func encodeSnapshot(seq store.SeqNo, payload []byte, ts time.Time) []byte {
	b := make([]byte, 0, len(payload)+24)
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(seq))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ts.UnixNano()))
	return b
}

func decodeSnapshot(b []byte) (store.Snapshot, error) {
	var snap store.Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return snap, wireError("snapshot", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snap, wireError("snapshot", protowire.ParseError(n))
			}
			snap.Seq = store.SeqNo(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return snap, wireError("snapshot", protowire.ParseError(n))
			}
			snap.Payload = append([]byte(nil), v...)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return snap, wireError("snapshot", protowire.ParseError(n))
			}
			snap.Timestamp = time.Unix(0, int64(v)).UTC()
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return snap, wireError("snapshot", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if snap.Seq == store.NoSeqNo {
		return snap, errmodel.Serialization("missing_seq", "stored snapshot has no sequence number", nil, nil)
	}
	return snap, nil
}

func wireError(what string, err error) error {
	return errmodel.Serialization("wire_decode", "cannot decode stored "+what, nil, err)
}
