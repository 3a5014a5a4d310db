// Package txlog implements the per-channel transaction log: a crash-safe,
// append-only journal of CREATE/STORE/TRANSFER/TRUNCATE/DELETE operations
// bracketed by BEGIN/COMMIT/ROLLBACK records, replayed at startup to recover
// a channel's data files to a consistent state.
package txlog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/nebulastore/nebulastore/nserr"
)

// Tag identifies a TransactionRecord variant, matching spec.md §6's wire format.
type Tag uint8

const (
	TagBegin    Tag = 0x01
	TagCreate   Tag = 0x02
	TagStore    Tag = 0x03
	TagTransfer Tag = 0x04
	TagTruncate Tag = 0x05
	TagDelete   Tag = 0x06
	TagCommit   Tag = 0x08
	TagRollback Tag = 0x09
)

func (t Tag) String() string {
	switch t {
	case TagBegin:
		return "begin"
	case TagCreate:
		return "create"
	case TagStore:
		return "store"
	case TagTransfer:
		return "transfer"
	case TagTruncate:
		return "truncate"
	case TagDelete:
		return "delete"
	case TagCommit:
		return "commit"
	case TagRollback:
		return "rollback"
	default:
		return fmt.Sprintf("tag(0x%02x)", uint8(t))
	}
}

// castagnoliTable is the CRC32C polynomial table (Castagnoli), used because
// spec.md §6 names "crc32c" explicitly for record framing. This stays on the
// standard library's hash/crc32 rather than a third-party checksum package:
// the retrieval pack's own framed-record code
// (other_examples/b25c7578_vedranvuk-flatfile and
// other_examples/af3a706e_calvinalkan-agent-task) both reach for hash/crc32
// directly, so there is no ecosystem library to prefer over it here.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Begin-specific payload: channel (u16).
type BeginPayload struct {
	Channel uint16
}

// Create-specific payload: file_number (u64), filename (length-prefixed UTF-8).
type CreatePayload struct {
	FileNumber uint64
	Filename   string
}

// Store-specific payload: file_number, position, length (u64 each), object_ids ([]u64).
type StorePayload struct {
	FileNumber uint64
	Position   uint64
	Length     uint64
	ObjectIDs  []uint64
}

// Transfer-specific payload: src_file, src_offset, length, dst_file, dst_offset (u64 each).
type TransferPayload struct {
	SrcFile   uint64
	SrcOffset uint64
	Length    uint64
	DstFile   uint64
	DstOffset uint64
}

// Truncate-specific payload: file_number, new_length (u64 each), plus the
// pre-truncate length. OriginalLength is not named explicitly in spec.md's
// record-format listing, which only sketches "u64 file_number, u64 position,
// u64 length" as representative field shapes — but the §4.3 recovery
// algorithm requires truncating the data file back to "the original_length
// observed at that record", so Truncate must carry it the same way Store's
// recovery target is implicitly its Position field. See DESIGN.md.
type TruncatePayload struct {
	FileNumber     uint64
	NewLength      uint64
	OriginalLength uint64
}

// Delete-specific payload: file_number (u64).
type DeletePayload struct {
	FileNumber uint64
}

// Record is one decoded transaction-log entry: the common header
// (txn_id, timestamp_ns) plus a tag-specific payload.
type Record struct {
	Tag         Tag
	TxnID       uint64
	TimestampNs uint64

	Begin    *BeginPayload
	Create   *CreatePayload
	Store    *StorePayload
	Transfer *TransferPayload
	Truncate *TruncatePayload
	Delete   *DeletePayload
	// Commit and Rollback carry no extra payload beyond TxnID.
}

// encodePayload serializes the tag-specific fields only (not the common header).
func (r *Record) encodePayload() ([]byte, error) {
	var buf bytes.Buffer
	switch r.Tag {
	case TagBegin:
		if r.Begin == nil {
			return nil, fmt.Errorf("txlog: Begin record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Begin.Channel)
	case TagCreate:
		if r.Create == nil {
			return nil, fmt.Errorf("txlog: Create record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Create.FileNumber)
		writeString(&buf, r.Create.Filename)
	case TagStore:
		if r.Store == nil {
			return nil, fmt.Errorf("txlog: Store record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Store.FileNumber)
		binary.Write(&buf, binary.LittleEndian, r.Store.Position)
		binary.Write(&buf, binary.LittleEndian, r.Store.Length)
		binary.Write(&buf, binary.LittleEndian, uint32(len(r.Store.ObjectIDs)))
		for _, id := range r.Store.ObjectIDs {
			binary.Write(&buf, binary.LittleEndian, id)
		}
	case TagTransfer:
		if r.Transfer == nil {
			return nil, fmt.Errorf("txlog: Transfer record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Transfer.SrcFile)
		binary.Write(&buf, binary.LittleEndian, r.Transfer.SrcOffset)
		binary.Write(&buf, binary.LittleEndian, r.Transfer.Length)
		binary.Write(&buf, binary.LittleEndian, r.Transfer.DstFile)
		binary.Write(&buf, binary.LittleEndian, r.Transfer.DstOffset)
	case TagTruncate:
		if r.Truncate == nil {
			return nil, fmt.Errorf("txlog: Truncate record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Truncate.FileNumber)
		binary.Write(&buf, binary.LittleEndian, r.Truncate.NewLength)
		binary.Write(&buf, binary.LittleEndian, r.Truncate.OriginalLength)
	case TagDelete:
		if r.Delete == nil {
			return nil, fmt.Errorf("txlog: Delete record missing payload")
		}
		binary.Write(&buf, binary.LittleEndian, r.Delete.FileNumber)
	case TagCommit, TagRollback:
		// no payload
	default:
		return nil, fmt.Errorf("txlog: unknown tag 0x%02x", uint8(r.Tag))
	}
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Encode serializes the full wire record: u32 length, u8 tag, u64 txn_id,
// u64 timestamp_ns, payload, u32 crc32c over everything from the length field
// through the end of the payload.
func (r *Record) Encode() ([]byte, error) {
	payload, err := r.encodePayload()
	if err != nil {
		return nil, err
	}

	// body = tag + txn_id + timestamp_ns + payload
	var body bytes.Buffer
	body.WriteByte(byte(r.Tag))
	binary.Write(&body, binary.LittleEndian, r.TxnID)
	binary.Write(&body, binary.LittleEndian, r.TimestampNs)
	body.Write(payload)

	recordLength := uint32(body.Len())

	var framed bytes.Buffer
	binary.Write(&framed, binary.LittleEndian, recordLength)
	framed.Write(body.Bytes())

	crc := crc32.Checksum(framed.Bytes(), castagnoliTable)

	var out bytes.Buffer
	out.Write(framed.Bytes())
	binary.Write(&out, binary.LittleEndian, crc)

	return out.Bytes(), nil
}

// DecodeRecord reads one record from data starting at offset, returning the
// decoded Record and the number of bytes consumed. Returns a Consistency
// error if the checksum does not match.
func DecodeRecord(data []byte, offset int) (*Record, int, error) {
	if offset+4 > len(data) {
		return nil, 0, fmt.Errorf("txlog: truncated record header at offset %d", offset)
	}
	recordLength := binary.LittleEndian.Uint32(data[offset : offset+4])

	end := offset + 4 + int(recordLength) + 4
	if end > len(data) {
		return nil, 0, fmt.Errorf("txlog: truncated record body at offset %d", offset)
	}

	framed := data[offset : offset+4+int(recordLength)]
	wantCRC := binary.LittleEndian.Uint32(data[offset+4+int(recordLength) : end])
	gotCRC := crc32.Checksum(framed, castagnoliTable)
	if gotCRC != wantCRC {
		return nil, 0, nserr.ConsistencyErr(fmt.Sprintf("crc32c mismatch at offset %d: got %08x want %08x", offset, gotCRC, wantCRC))
	}

	body := data[offset+4 : offset+4+int(recordLength)]
	r := bytes.NewReader(body)

	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, err
	}
	rec := &Record{Tag: Tag(tagByte)}

	if err := binary.Read(r, binary.LittleEndian, &rec.TxnID); err != nil {
		return nil, 0, err
	}
	if err := binary.Read(r, binary.LittleEndian, &rec.TimestampNs); err != nil {
		return nil, 0, err
	}

	switch rec.Tag {
	case TagBegin:
		p := &BeginPayload{}
		if err := binary.Read(r, binary.LittleEndian, &p.Channel); err != nil {
			return nil, 0, err
		}
		rec.Begin = p
	case TagCreate:
		p := &CreatePayload{}
		if err := binary.Read(r, binary.LittleEndian, &p.FileNumber); err != nil {
			return nil, 0, err
		}
		name, err := readString(r)
		if err != nil {
			return nil, 0, err
		}
		p.Filename = name
		rec.Create = p
	case TagStore:
		p := &StorePayload{}
		if err := binary.Read(r, binary.LittleEndian, &p.FileNumber); err != nil {
			return nil, 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Position); err != nil {
			return nil, 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.Length); err != nil {
			return nil, 0, err
		}
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, 0, err
		}
		p.ObjectIDs = make([]uint64, count)
		for i := range p.ObjectIDs {
			if err := binary.Read(r, binary.LittleEndian, &p.ObjectIDs[i]); err != nil {
				return nil, 0, err
			}
		}
		rec.Store = p
	case TagTransfer:
		p := &TransferPayload{}
		for _, field := range []*uint64{&p.SrcFile, &p.SrcOffset, &p.Length, &p.DstFile, &p.DstOffset} {
			if err := binary.Read(r, binary.LittleEndian, field); err != nil {
				return nil, 0, err
			}
		}
		rec.Transfer = p
	case TagTruncate:
		p := &TruncatePayload{}
		if err := binary.Read(r, binary.LittleEndian, &p.FileNumber); err != nil {
			return nil, 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.NewLength); err != nil {
			return nil, 0, err
		}
		if err := binary.Read(r, binary.LittleEndian, &p.OriginalLength); err != nil {
			return nil, 0, err
		}
		rec.Truncate = p
	case TagDelete:
		p := &DeletePayload{}
		if err := binary.Read(r, binary.LittleEndian, &p.FileNumber); err != nil {
			return nil, 0, err
		}
		rec.Delete = p
	case TagCommit, TagRollback:
		// no payload
	default:
		return nil, 0, fmt.Errorf("txlog: unknown tag 0x%02x at offset %d", tagByte, offset)
	}

	return rec, end - offset, nil
}
