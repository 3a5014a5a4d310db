package txlog

import "testing"

func TestRecord_EncodeDecodeStore(t *testing.T) {
	rec := &Record{
		Tag:         TagStore,
		TxnID:       7,
		TimestampNs: 123456789,
		Store: &StorePayload{
			FileNumber: 1,
			Position:   100,
			Length:     50,
			ObjectIDs:  []uint64{10, 20, 30},
		},
	}

	encoded, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, consumed, err := DecodeRecord(encoded, 0)
	if err != nil {
		t.Fatalf("DecodeRecord() error = %v", err)
	}
	if consumed != len(encoded) {
		t.Errorf("DecodeRecord() consumed = %d, want %d", consumed, len(encoded))
	}
	if decoded.Tag != TagStore || decoded.TxnID != 7 {
		t.Errorf("decoded header = {%v, %d}, want {store, 7}", decoded.Tag, decoded.TxnID)
	}
	if decoded.Store.FileNumber != 1 || decoded.Store.Position != 100 || decoded.Store.Length != 50 {
		t.Errorf("decoded.Store = %+v, want FileNumber=1 Position=100 Length=50", decoded.Store)
	}
	if len(decoded.Store.ObjectIDs) != 3 || decoded.Store.ObjectIDs[1] != 20 {
		t.Errorf("decoded.Store.ObjectIDs = %v, want [10 20 30]", decoded.Store.ObjectIDs)
	}
}

func TestRecord_EncodeDecodeCommit(t *testing.T) {
	rec := &Record{Tag: TagCommit, TxnID: 42, TimestampNs: 1}
	encoded, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, _, err := DecodeRecord(encoded, 0)
	if err != nil {
		t.Fatalf("DecodeRecord() error = %v", err)
	}
	if decoded.Tag != TagCommit || decoded.TxnID != 42 {
		t.Errorf("decoded = {%v, %d}, want {commit, 42}", decoded.Tag, decoded.TxnID)
	}
}

func TestDecodeRecord_DetectsCorruption(t *testing.T) {
	rec := &Record{Tag: TagDelete, TxnID: 1, TimestampNs: 1, Delete: &DeletePayload{FileNumber: 9}}
	encoded, err := rec.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	encoded[len(encoded)-1] ^= 0xFF // flip a byte in the CRC

	if _, _, err := DecodeRecord(encoded, 0); err == nil {
		t.Fatal("DecodeRecord() with corrupted CRC: error = nil, want Consistency error")
	}
}

func TestRecord_EncodeDecodeMultipleSequential(t *testing.T) {
	var buf []byte
	records := []*Record{
		{Tag: TagBegin, TxnID: 1, TimestampNs: 1, Begin: &BeginPayload{Channel: 3}},
		{Tag: TagCreate, TxnID: 1, TimestampNs: 2, Create: &CreatePayload{FileNumber: 5, Filename: "channel_003_file_000005.dat"}},
		{Tag: TagCommit, TxnID: 1, TimestampNs: 3},
	}
	for _, r := range records {
		encoded, err := r.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		buf = append(buf, encoded...)
	}

	offset := 0
	for i, want := range records {
		decoded, consumed, err := DecodeRecord(buf, offset)
		if err != nil {
			t.Fatalf("DecodeRecord() at record %d: error = %v", i, err)
		}
		if decoded.Tag != want.Tag {
			t.Errorf("record %d: Tag = %v, want %v", i, decoded.Tag, want.Tag)
		}
		offset += consumed
	}
	if offset != len(buf) {
		t.Errorf("total consumed = %d, want %d", offset, len(buf))
	}
}
